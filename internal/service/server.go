package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewStatusHandler serves the registry read-only:
//
//	GET /tools          all statuses
//	GET /tools/{name}   one status, 404 for unknown tools
func NewStatusHandler(reg *Registry) http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, reg.Statuses())
	}).Methods(http.MethodGet)
	router.HandleFunc("/tools/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		status, err := reg.Status(name)
		if errors.Is(err, ErrToolNotFound) {
			writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": err.Error(), "tool": name})
			return
		}
		writeJSON(r.Context(), w, http.StatusOK, status)
	}).Methods(http.MethodGet)
	return router
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(ctx, "writing status response", "error", err)
	}
}

// ServeStatus serves handler on ln until ctx is done, then shuts the server
// down gracefully.
func ServeStatus(ctx context.Context, ln net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	slog.InfoContext(ctx, "status endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	server.SetKeepAlivesEnabled(false)
	err := server.Shutdown(sctx)
	if serr := <-errCh; !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	return err
}
