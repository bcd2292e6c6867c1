package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mvellosa/courier/internal/config"
	"github.com/mvellosa/courier/internal/remote"
)

// fakeStore is an in-memory EntityStore recording transitions.
type fakeStore struct {
	states   map[string]State
	attempts map[string]int
	retryAt  map[string]int64
	lastErr  map[string]string
	removed  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:   map[string]State{},
		attempts: map[string]int{},
		retryAt:  map[string]int64{},
		lastErr:  map[string]string{},
		removed:  map[string]bool{},
	}
}

func (f *fakeStore) Kind() string { return "fake" }

func (f *fakeStore) Pending(_ context.Context, now int64) ([]Record, error) {
	var recs []Record
	for id, st := range f.states {
		if st == StateLocal && f.retryAt[id] <= now {
			recs = append(recs, Record{ID: id, State: st, Attempts: f.attempts[id]})
		}
	}
	return recs, nil
}

func (f *fakeStore) Claim(_ context.Context, id string) (bool, error) {
	if f.states[id] != StateLocal {
		return false, nil
	}
	f.states[id] = StatePushing
	return true, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, id, _ string) (bool, error) {
	if f.states[id] != StatePushing {
		return false, nil
	}
	f.states[id] = StateSynced
	return true, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, reason string) error {
	f.states[id] = StateFailed
	f.lastErr[id] = reason
	return nil
}

func (f *fakeStore) Release(_ context.Context, id string, retryAt int64) error {
	f.states[id] = StateLocal
	f.attempts[id]++
	f.retryAt[id] = retryAt
	return nil
}

func (f *fakeStore) Remove(_ context.Context, id string) (bool, error) {
	if f.states[id] != StatePushing {
		return false, nil
	}
	delete(f.states, id)
	f.removed[id] = true
	return true, nil
}

func (f *fakeStore) Recreate(_ context.Context, id string) error {
	if f.states[id] != StateFailed {
		return nil
	}
	f.states[id] = StateLocal
	f.attempts[id] = 0
	return nil
}

func testPolicy() config.Sync {
	return config.Sync{MaxAttempts: 3, BaseBackoffMs: 1000, MaxBackoffMs: 4000}
}

func TestTransitionGraph(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateLocal, StatePushing},
		{StatePushing, StateSynced},
		{StatePushing, StateFailed},
		{StatePushing, StateLocal},
		{StateSynced, StateLocal},
		{StateFailed, StateLocal},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e.from, e.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateLocal, StateSynced},
		{StateLocal, StateFailed},
		{StateSynced, StatePushing},
		{StateSynced, StateFailed},
		{StateFailed, StatePushing},
		{StateFailed, StateSynced},
	}
	for _, e := range forbidden {
		if CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e.from, e.to)
		}
	}
}

func TestFinishSuccess(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)

	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpCreate}, "srv-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateSynced || fs.states["e1"] != StateSynced {
		t.Errorf("state = %q / %q, want synced", state, fs.states["e1"])
	}
}

func TestFinishDeleteSuccessRemoves(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)

	if _, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpDelete}, "", nil); err != nil {
		t.Fatal(err)
	}
	if !fs.removed["e1"] {
		t.Error("confirmed delete should remove the record")
	}
}

func TestFinishTransientReleasesWithBackoff(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)
	base := time.Now()
	m.now = func() time.Time { return base }

	transient := &remote.Error{Kind: remote.KindTransient, Op: "create", Err: errors.New("timeout")}
	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpCreate, Attempts: 0}, "", transient)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateLocal {
		t.Errorf("state = %q, want local (returned to pending pool)", state)
	}
	if fs.attempts["e1"] != 1 {
		t.Errorf("attempts = %d, want 1", fs.attempts["e1"])
	}
	wantRetry := base.Add(time.Second).UnixMilli()
	if fs.retryAt["e1"] != wantRetry {
		t.Errorf("retryAt = %d, want %d (1s backoff)", fs.retryAt["e1"], wantRetry)
	}
}

func TestFinishTransientBudgetExhausted(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)

	transient := &remote.Error{Kind: remote.KindTransient, Op: "create", Err: errors.New("timeout")}
	// Attempts already at MaxAttempts-1: this failure exhausts the budget.
	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpCreate, Attempts: 2}, "", transient)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateFailed || fs.states["e1"] != StateFailed {
		t.Errorf("state = %q, want failed after exhausted budget", state)
	}
	if fs.lastErr["e1"] == "" {
		t.Error("failure reason should be retained")
	}
}

func TestFinishRejectedFailsImmediately(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)

	rejected := &remote.Error{Kind: remote.KindRejected, Op: "create", Err: errors.New("duplicate")}
	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpCreate, Attempts: 0}, "", rejected)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateFailed {
		t.Errorf("state = %q, want failed (rejected is never retried)", state)
	}
}

func TestFinishNotFoundOnDeleteRemoves(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)

	notFound := &remote.Error{Kind: remote.KindNotFound, Op: "delete", Err: errors.New("404")}
	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpDelete}, "", notFound)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateSynced || !fs.removed["e1"] {
		t.Error("delete of an already-absent entity should be treated as confirmed")
	}
}

func TestFinishNotFoundOnUpdateFails(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StatePushing
	m := NewMachine(fs, testPolicy(), nil)

	notFound := &remote.Error{Kind: remote.KindNotFound, Op: "update", Err: errors.New("404")}
	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpUpdate}, "", notFound)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateFailed {
		t.Errorf("state = %q, want failed (update conflict needs refresh)", state)
	}
}

func TestFinishConfirmationSupersededByEdit(t *testing.T) {
	fs := newFakeStore()
	// Record was demoted back to local by an edit while the push flew.
	fs.states["e1"] = StateLocal
	m := NewMachine(fs, testPolicy(), nil)

	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpCreate}, "srv-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateLocal || fs.states["e1"] != StateLocal {
		t.Error("superseded confirmation must leave the newer local write pending")
	}
}

func TestFinishDeleteSupersededByResurrection(t *testing.T) {
	fs := newFakeStore()
	// An edit resurrected the tombstone while its remote delete flew.
	fs.states["e1"] = StateLocal
	m := NewMachine(fs, testPolicy(), nil)

	state, err := m.Finish(context.Background(), Record{ID: "e1", Op: OpDelete}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateLocal || fs.removed["e1"] {
		t.Error("stale delete confirmation must not destroy the resurrected write")
	}
	if fs.states["e1"] != StateLocal {
		t.Errorf("state = %q, want local (pending its own push)", fs.states["e1"])
	}
}

func TestRecreate(t *testing.T) {
	fs := newFakeStore()
	fs.states["e1"] = StateFailed
	fs.attempts["e1"] = 3
	m := NewMachine(fs, testPolicy(), nil)

	if err := m.Recreate(context.Background(), "e1"); err != nil {
		t.Fatal(err)
	}
	if fs.states["e1"] != StateLocal || fs.attempts["e1"] != 0 {
		t.Errorf("state=%q attempts=%d, want local/0", fs.states["e1"], fs.attempts["e1"])
	}
}
