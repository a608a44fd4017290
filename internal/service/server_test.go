package service_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/service"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *service.Registry {
	t.Helper()
	reg := service.NewRegistry()
	for _, name := range []string{"support", "lobby"} {
		sup := service.NewSupervisor(name, spec, model.RestartPolicy{MaxAttempts: 5},
			service.WithLauncher(&fakeLauncher{codes: []int{0}}))
		reg.Add(sup)
	}
	return reg
}

func TestStatusHandler(t *testing.T) {
	t.Parallel()
	handler := service.NewStatusHandler(testRegistry(t))

	t.Run("all", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var got []service.Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 2)
		require.Equal(t, "lobby", got[0].Tool)
		require.Equal(t, "support", got[1].Tool)
		require.Equal(t, service.StateStopped, got[0].State)
		require.Equal(t, 5, got[0].MaxAttempts)
	})

	t.Run("one", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools/lobby", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var got service.Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Equal(t, "lobby", got.Tool)
		require.Nil(t, got.LastExitCode)
	})

	t.Run("unknown", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools/nope", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("read only", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/tools/lobby", nil))
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestServeStatus(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- service.ServeStatus(ctx, ln, service.NewStatusHandler(testRegistry(t)))
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/tools/support")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	cancel()
	require.NoError(t, <-done)
}
