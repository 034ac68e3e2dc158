package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docshard/pkg/dcerrors"
	"docshard/pkg/shard"
	"docshard/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	connHeader = "X-Connection-ID"
)

// iShardAPI is the slice of the shard surface the admin server drives.
type iShardAPI interface {
	Lock(ctx context.Context, conn types.ConnID, key types.Key) error
	Find(ctx context.Context, conn types.ConnID, key types.Key) (types.Document, error)
	FindField(ctx context.Context, conn types.ConnID, key types.Key, field string) (any, bool, error)
	Insert(ctx context.Context, conn types.ConnID, key types.Key, doc types.Document) error
	Update(ctx context.Context, conn types.ConnID, key types.Key, patch types.Document) (types.Document, error)
	Remove(ctx context.Context, conn types.ConnID, key types.Key) error
	Commit(ctx context.Context, conn types.ConnID, key types.Key) error
	Rollback(ctx context.Context, conn types.ConnID, key types.Key) error
	SaveAll(ctx context.Context) error
	Snapshot() shard.Snapshot
}

// Server exposes the shard over HTTP for applications and operators.
type Server struct {
	shard      iShardAPI
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(sh iShardAPI, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		shard: sh,
		URL:   "http://localhost:" + port,
		addr:  ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Router builds the chi router. Exposed so tests can drive the handlers
// through httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/connections", s.handleNewConnection)
	r.Post("/v1/saveall", s.handleSaveAll)
	r.Get("/v1/docs/{collection}/{id}", s.handleFind)
	r.Put("/v1/docs/{collection}/{id}", s.handleUpsert)
	r.Delete("/v1/docs/{collection}/{id}", s.handleRemove)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewValueResponse(s.shard.Snapshot()))
}

func (s *Server) handleNewConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewValueResponse(uuid.NewString()))
}

func (s *Server) handleSaveAll(w http.ResponseWriter, r *http.Request) {
	err := s.shard.SaveAll(r.Context())
	var lost *dcerrors.LockLostError
	switch {
	case errors.As(err, &lost):
		writeJSON(w, http.StatusConflict, Response{
			Status: StatusError,
			Keys:   lost.Keys,
			Error:  err.Error(),
		})
	case err != nil:
		s.writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, NewSuccessResponse())
	}
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	key := docKey(r)
	conn := connID(r)

	if field := r.URL.Query().Get("field"); field != "" {
		v, ok, err := s.shard.FindField(r.Context(), conn, key, field)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, NewErrorResponse("field not found"))
			return
		}
		writeJSON(w, http.StatusOK, NewValueResponse(v))
		return
	}

	doc, err := s.shard.Find(r.Context(), conn, key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusNotFound, NewErrorResponse("document not found"))
		return
	}
	writeJSON(w, http.StatusOK, NewValueResponse(doc))
}

// handleUpsert runs one write transaction: lock, insert or patch, commit.
// Any failure between lock and commit rolls the hold back.
func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	key := docKey(r)
	conn := connID(r)
	ctx := r.Context()

	var body types.Document
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid JSON body: "+err.Error()))
		return
	}

	if err := s.shard.Lock(ctx, conn, key); err != nil {
		s.writeError(w, err)
		return
	}

	cur, err := s.shard.Find(ctx, conn, key)
	if err == nil {
		if cur == nil {
			err = s.shard.Insert(ctx, conn, key, body)
		} else {
			_, err = s.shard.Update(ctx, conn, key, body)
		}
	}
	if err != nil {
		_ = s.shard.Rollback(ctx, conn, key)
		s.writeError(w, err)
		return
	}

	if err := s.shard.Commit(ctx, conn, key); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key := docKey(r)
	conn := connID(r)
	ctx := r.Context()

	if err := s.shard.Lock(ctx, conn, key); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.shard.Remove(ctx, conn, key); err != nil {
		_ = s.shard.Rollback(ctx, conn, key)
		s.writeError(w, err)
		return
	}
	if err := s.shard.Commit(ctx, conn, key); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dcerrors.ErrContractViolation):
		status = http.StatusConflict
	case errors.Is(err, dcerrors.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dcerrors.ErrBackendUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, NewErrorResponse(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// docKey rebuilds the cache key from the route: "<collection>:<id>".
func docKey(r *http.Request) types.Key {
	return types.Key(chi.URLParam(r, "collection") + ":" + chi.URLParam(r, "id"))
}

// connID uses the caller-provided connection, falling back to a one-shot
// connection per request.
func connID(r *http.Request) types.ConnID {
	if c := r.Header.Get(connHeader); c != "" {
		return types.ConnID(c)
	}
	return types.ConnID("http-" + uuid.NewString())
}
