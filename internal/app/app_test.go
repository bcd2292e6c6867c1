package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mvellosa/courier/internal/bus"
	"github.com/mvellosa/courier/internal/config"
	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/outbox"
	"github.com/mvellosa/courier/internal/remote"
	"github.com/mvellosa/courier/internal/store"
	intsync "github.com/mvellosa/courier/internal/sync"
)

type testEnv struct {
	db         *store.DB
	bus        *bus.Bus
	who        *identity.Provider
	gw         *remote.Gateway
	bindings   []outbox.Binding
	dispatcher *outbox.Dispatcher
}

func newTestEnv(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "courier.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	who := identity.New(b)
	gw := remote.NewGateway(config.Remote{BaseURL: srv.URL, TimeoutSeconds: 5}, who, srv.Client())

	policy := config.Sync{
		MaxAttempts:    5,
		BaseBackoffMs:  1,
		MaxBackoffMs:   2,
		MaxInFlight:    4,
		PollIntervalMs: 10,
	}
	bindings := NewBindings(db, gw, policy, nil)
	d := outbox.NewDispatcher(bindings, b, who, policy, nil)

	return &testEnv{db: db, bus: b, who: who, gw: gw, bindings: bindings, dispatcher: d}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func seedConversation(t *testing.T, env *testEnv, id, owner string) {
	t.Helper()
	err := env.db.CreateConversation(context.Background(), &store.Conversation{
		ID:             id,
		Participants:   []string{owner, "bob"},
		InterlocutorID: "bob",
		IsActive:       true,
		CreatedAt:      time.Now().UnixMilli(),
		Sync:           store.SyncMeta{Owner: owner},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSendReturnsAfterLocalCommit(t *testing.T) {
	// Remote always errors; Send must still succeed locally.
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	env.who.SetSession("alice", "tok")
	seedConversation(t, env, "c1", "alice")

	svc := NewMessageService(env.db, env.who)
	id, err := svc.Send(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a client-generated id")
	}

	m, err := env.db.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message not committed locally")
	}
	if m.Sync.State != intsync.StateLocal || m.IsSent {
		t.Errorf("state=%q sent=%v, want local/unsent before any push", m.Sync.State, m.IsSent)
	}
}

func TestSendPushedToRemote(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/messages" {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "srv-1"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "srv-x"})
	}))
	env.who.SetSession("alice", "tok")
	seedConversation(t, env, "c1", "alice")

	env.dispatcher.Start(context.Background())
	defer env.dispatcher.Stop()

	svc := NewMessageService(env.db, env.who)
	id, err := svc.Send(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		m, err := env.db.GetMessage(context.Background(), id)
		return err == nil && m != nil && m.Sync.State == intsync.StateSynced
	})
	m, _ := env.db.GetMessage(context.Background(), id)
	if !m.IsSent {
		t.Error("confirmed message should be flagged sent")
	}
	if m.Sync.RemoteID != "srv-1" {
		t.Errorf("remote id = %q, want srv-1", m.Sync.RemoteID)
	}
}

func TestPushesSuppressedUntilLogin(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "srv-1"})
	}))
	seedConversation(t, env, "c1", "alice")

	env.dispatcher.Start(context.Background())
	defer env.dispatcher.Stop()

	err := env.db.CreateMessage(context.Background(), &store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi",
		SentAt: time.Now().UnixMilli(), Sync: store.SyncMeta{Owner: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if hits.Load() != 0 {
		t.Fatal("no remote call may happen while logged out")
	}

	env.who.SetSession("alice", "tok")
	env.dispatcher.Wake()
	waitFor(t, 5*time.Second, func() bool {
		m, err := env.db.GetMessage(context.Background(), "m1")
		return err == nil && m != nil && m.Sync.State == intsync.StateSynced
	})
}

func TestLogoutPurgesOwnerData(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()
	env.who.SetSession("alice", "tok")
	seedConversation(t, env, "c1", "alice")

	err := env.db.CreateMessage(ctx, &store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi",
		SentAt: time.Now().UnixMilli(), Sync: store.SyncMeta{Owner: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.SetRegistrationToken(ctx, "alice", "device-token"); err != nil {
		t.Fatal(err)
	}

	svc := NewSessionService(env.db, env.gw, env.who, nil)
	if err := svc.Logout(ctx); err != nil {
		t.Fatal(err)
	}

	if env.who.Authenticated() {
		t.Error("still authenticated after logout")
	}
	if m, _ := env.db.GetMessage(ctx, "m1"); m != nil {
		t.Error("messages should be purged on logout")
	}
	if c, _ := env.db.GetConversation(ctx, "c1"); c != nil {
		t.Error("conversations should be purged on logout")
	}
	if tok, _ := env.db.GetRegistrationToken(ctx); tok != nil {
		t.Error("registration token should be cleared on logout")
	}
}

func TestLogoutProceedsWhenRemoteUnreachable(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ctx := context.Background()
	env.who.SetSession("alice", "tok")
	if err := env.db.SetRegistrationToken(ctx, "alice", "device-token"); err != nil {
		t.Fatal(err)
	}

	svc := NewSessionService(env.db, env.gw, env.who, nil)
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("logout must not fail on remote unregister errors: %v", err)
	}
	if tok, _ := env.db.GetRegistrationToken(ctx); tok != nil {
		t.Error("local token should be cleared even when remote unregister fails")
	}
}

func TestRefreshMergesRemoteState(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/contacts":
			_ = json.NewEncoder(w).Encode([]remote.Contact{{ID: "bob", Name: "Bob B"}})
		case "/v1/conversations":
			_ = json.NewEncoder(w).Encode([]remote.Conversation{{
				ID: "c-remote", Participants: []string{"alice", "bob"},
				Interlocutor: "bob", IsActive: true, CreatedAt: 1000,
			}})
		case "/v1/messages":
			_ = json.NewEncoder(w).Encode([]remote.Message{{
				ID: "m-remote", ConversationID: "c-remote", SenderID: "bob",
				Body: "from elsewhere", SentAt: 2000,
			}})
		case "/v1/announcements":
			_ = json.NewEncoder(w).Encode([]remote.Announcement{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()
	env.who.SetSession("alice", "tok")

	svc := NewSyncService(env.db, env.gw, env.who, env.dispatcher, env.bindings, nil)
	if err := svc.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	m, err := env.db.GetMessage(ctx, "m-remote")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("remote message not merged")
	}
	if m.Sync.State != intsync.StateSynced || !m.IsSent {
		t.Errorf("merged message state=%q sent=%v, want synced/sent", m.Sync.State, m.IsSent)
	}

	views, err := env.db.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != "c-remote" {
		t.Fatalf("views = %+v, want the merged conversation", views)
	}
	if views[0].InterlocutorName != "Bob B" {
		t.Errorf("interlocutor name = %q, want contact join Bob B", views[0].InterlocutorName)
	}
}

func TestRefreshRemovesDeletedElsewhere(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/contacts":
			_ = json.NewEncoder(w).Encode([]remote.Contact{})
		case "/v1/conversations":
			_ = json.NewEncoder(w).Encode([]remote.Conversation{{
				ID: "c1", Participants: []string{"alice", "bob"},
				Interlocutor: "bob", IsActive: true,
			}})
		case "/v1/messages":
			// m1 is synced locally but missing here: deleted on another device.
			_ = json.NewEncoder(w).Encode([]remote.Message{})
		case "/v1/announcements":
			_ = json.NewEncoder(w).Encode([]remote.Announcement{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()
	env.who.SetSession("alice", "tok")
	seedConversation(t, env, "c1", "alice")

	err := env.db.MergeRemoteMessage(ctx, &store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi",
		SentAt: 1000, Sync: store.SyncMeta{Owner: "alice", RemoteID: "m1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc := NewSyncService(env.db, env.gw, env.who, env.dispatcher, env.bindings, nil)
	if err := svc.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	if m, _ := env.db.GetMessage(ctx, "m1"); m != nil {
		t.Error("synced message absent remotely should be removed by refresh")
	}
}

func TestRecreateFailedEntity(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler())
	ctx := context.Background()
	env.who.SetSession("alice", "tok")
	seedConversation(t, env, "c1", "alice")

	err := env.db.CreateMessage(ctx, &store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi",
		SentAt: time.Now().UnixMilli(), Sync: store.SyncMeta{Owner: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rs := env.db.SyncStore("message")
	if _, err := rs.Claim(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := rs.MarkFailed(ctx, "m1", "rejected"); err != nil {
		t.Fatal(err)
	}

	svc := NewSyncService(env.db, env.gw, env.who, nil, env.bindings, nil)
	if err := svc.Recreate(ctx, "message", "m1"); err != nil {
		t.Fatal(err)
	}

	m, err := env.db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Sync.State != intsync.StateLocal || m.Sync.Attempts != 0 {
		t.Errorf("state=%q attempts=%d, want local/0 after recreate", m.Sync.State, m.Sync.Attempts)
	}

	if err := svc.Recreate(ctx, "bogus", "m1"); err == nil {
		t.Error("unknown kind must error")
	}
}
