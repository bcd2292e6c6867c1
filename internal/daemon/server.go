package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mvellosa/courier/internal/app"
	"github.com/mvellosa/courier/internal/session"
	"github.com/mvellosa/courier/internal/view"
	"go.uber.org/zap"
)

// Server exposes the engine's services over the session's Unix domain
// socket so a local frontend can drive it. The wire shapes here are
// deliberately thin: every operation commits locally and returns; sync
// outcomes surface through the store, not through these responses.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates an HTTP server bound to the session's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	messages *app.MessageService,
	conversations *app.ConversationService,
	announcements *app.AnnouncementService,
	tokens *app.TokenService,
	syncSvc *app.SyncService,
	sessionSvc *app.SessionService,
	projector *view.Projector,
) (*Server, error) {
	socketPath := filepath.Join(session.Dir(p.SessionName), "courierd.sock")

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/session/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ UserID, Token string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		sessionSvc.Login(req.UserID, req.Token)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/session/logout", func(w http.ResponseWriter, r *http.Request) {
		if err := sessionSvc.Logout(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ ConversationID, Body string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		id, err := messages.Send(r.Context(), req.ConversationID, req.Body)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})
	mux.HandleFunc("DELETE /v1/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := messages.Delete(r.Context(), r.PathValue("id")); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		beforeTs, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		msgs, err := projector.Messages(r.Context(), r.PathValue("id"), beforeTs, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	})
	mux.HandleFunc("POST /v1/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		if err := messages.MarkRead(r.Context(), r.PathValue("id")); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		views, err := projector.Conversations(r.Context(), owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	})
	mux.HandleFunc("POST /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ InterlocutorID, DisplayName string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		id, err := conversations.Start(r.Context(), req.InterlocutorID, req.DisplayName)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})
	mux.HandleFunc("PATCH /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DisplayName *string
			Deactivate  bool
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		id := r.PathValue("id")
		if req.DisplayName != nil {
			if err := conversations.Rename(r.Context(), id, *req.DisplayName); err != nil {
				httpError(w, http.StatusInternalServerError, err)
				return
			}
		}
		if req.Deactivate {
			if err := conversations.Deactivate(r.Context(), id); err != nil {
				httpError(w, http.StatusInternalServerError, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := conversations.Delete(r.Context(), r.PathValue("id")); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/announcements", func(w http.ResponseWriter, r *http.Request) {
		feed, err := projector.Announcements(r.Context(), r.URL.Query().Get("owner"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, feed)
	})
	mux.HandleFunc("POST /v1/announcements", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Title, Body string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		id, err := announcements.Post(r.Context(), req.Title, req.Body)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})
	mux.HandleFunc("PATCH /v1/announcements/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Title, Body string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		if err := announcements.Edit(r.Context(), r.PathValue("id"), req.Title, req.Body); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /v1/announcements/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := announcements.Delete(r.Context(), r.PathValue("id")); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PUT /v1/device-token", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Token string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		if err := tokens.Register(r.Context(), req.Token); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /v1/sync/refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := syncSvc.Refresh(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/sync/recreate", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Kind, ID string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		if err := syncSvc.Recreate(r.Context(), req.Kind, req.ID); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
