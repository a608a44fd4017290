package presenced_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	presencedPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

const token = "e2e-secret"

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")
	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}
	if runtime.GOOS == "windows" {
		slog.Warn("integration tests rely on unix signals, ignored on windows")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("presenced-ci") {
		slog.Warn("integration tests skipped, cannot locate presenced-ci binary: run go build -race -cover -covermode=atomic -o presenced-ci ./cmd/presenced/ first")
		os.Exit(0)
	}

	var err error
	presencedPath, err = filepath.Abs("presenced-ci")
	if err != nil {
		slog.Error("can't get abspath for presenced-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for presenced-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for presenced-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// presence counts authorized typing calls.
type presence struct {
	calls        atomic.Int32
	unauthorized atomic.Int32
}

func newPresence(t *testing.T) (*presence, string) {
	t.Helper()
	p := &presence{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels/42/typing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != token {
			p.unauthorized.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return p, srv.URL
}

func presencedCmd(ctx context.Context, args ...string) (*exec.Cmd, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, presencedPath, args...)
	cmd.Env = append(os.Environ(), "PRESENCED_E2E_TOKEN="+token)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	return cmd, &stdout, &stderr
}

func TestPresenced_Run(t *testing.T) {
	dir := chDir(t)
	p, url := newPresence(t)

	config := fmt.Sprintf(`
version: 0
service:
  state_dir: %s
  log_dir: %s
  poll_interval_ms: 100
  grace_period_seconds: 2
tools:
  - name: lobby
    action:
      endpoint: %s/channels/{target}/typing
      target: "42"
      token: $PRESENCED_E2E_TOKEN
    schedule:
      fixed_interval_seconds: 1
`, filepath.Join(dir, "state"), filepath.Join(dir, "logs"), url)
	creat(t, "presenced.yaml", []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd, _, stderr := presencedCmd(ctx, "run", "--config", "presenced.yaml")
	require.NoError(t, cmd.Start())

	require.Eventually(t, func() bool {
		return p.calls.Load() >= 2
	}, 30*time.Second, 100*time.Millisecond)

	require.NoError(t, cmd.Process.Signal(os.Interrupt))
	err := cmd.Wait()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	require.Zero(t, p.unauthorized.Load())
	logs := stderr.String()
	require.Contains(t, logs, `"event":"worker-started"`)
	require.Contains(t, logs, `"event":"action-succeeded"`)
	require.Contains(t, logs, `"event":"cancellation-received"`)
	require.NotContains(t, logs, token)

	files, err := filepath.Glob(filepath.Join(dir, "logs", "presenced_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	logFile, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Contains(t, string(logFile), `"event":"worker-started"`)

	// no further calls once stopped
	calls := p.calls.Load()
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, calls, p.calls.Load())
}

func TestPresenced_RestartExhausted(t *testing.T) {
	dir := chDir(t)
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	config := fmt.Sprintf(`
version: 0
service:
  state_dir: %s
  poll_interval_ms: 50
tools:
  - name: crashing
    worker:
      command: %s
      args: ["-c", "echo boom 1>&2; exit 7"]
    restart:
      max_attempts: 2
      cooldown_seconds: 0
    action:
      endpoint: http://127.0.0.1:1/channels/{target}/typing
      target: "42"
      token: $PRESENCED_E2E_TOKEN
`, filepath.Join(dir, "state"), sh)
	creat(t, "presenced.yaml", []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd, _, stderr := presencedCmd(ctx, "run", "--config", "presenced.yaml")
	err = cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())

	logs := stderr.String()
	require.Equal(t, 3, bytes.Count(stderr.Bytes(), []byte(`"event":"worker-started"`)), logs)
	require.Equal(t, 2, bytes.Count(stderr.Bytes(), []byte(`"event":"restart-scheduled"`)), logs)
	require.Contains(t, logs, `"event":"restart-exhausted"`)
	require.Contains(t, logs, `"worker_line":"boom"`)
}

func TestPresenced_Check(t *testing.T) {
	_ = chDir(t)

	t.Run("valid", func(t *testing.T) {
		creat(t, "presenced.yaml", []byte(`
version: 0
service: {}
tools:
  - name: lobby
    action:
      endpoint: https://presence.example.com/channels/{target}/typing
      target: "42"
      token: $PRESENCED_E2E_TOKEN
`))
		cmd, stdout, stderr := presencedCmd(t.Context(), "check", "--config", "presenced.yaml")
		err := cmd.Run()
		if err != nil {
			t.Logf("%s", stderr.String())
			require.NoError(t, err)
		}
		out := stdout.String()
		require.Contains(t, out, "name: lobby")
		require.Contains(t, out, "PRESENCED_TOKEN")
		require.Contains(t, out, "https://presence.example.com/channels/42/typing")
		require.NotContains(t, out, token)
	})

	t.Run("selected tool", func(t *testing.T) {
		cmd, stdout, stderr := presencedCmd(t.Context(), "check", "--config", "presenced.yaml", "lobby")
		err := cmd.Run()
		if err != nil {
			t.Logf("%s", stderr.String())
			require.NoError(t, err)
		}
		require.Contains(t, stdout.String(), "name: lobby")
	})

	t.Run("unknown tool", func(t *testing.T) {
		cmd, _, stderr := presencedCmd(t.Context(), "check", "--config", "presenced.yaml", "attic")
		err := cmd.Run()
		require.Error(t, err)
		require.Contains(t, stderr.String(), "attic: tool not found")
	})

	t.Run("invalid", func(t *testing.T) {
		creat(t, "invalid.yaml", []byte(`
version: 0
service: {}
tools:
  - name: lobby
    action:
      endpoint: https://presence.example.com/channels/{target}/typing
      target: "42"
      token: abc
    schedule:
      mode: sometimes
      typo: 1
`))
		cmd, _, stderr := presencedCmd(t.Context(), "check", "--config", "invalid.yaml")
		err := cmd.Run()
		require.Error(t, err)
		require.Contains(t, stderr.String(), "tools.0.schedule")
	})
}

func TestPresenced_Worker(t *testing.T) {
	_ = chDir(t)
	p, url := newPresence(t)

	t.Run("loop", func(t *testing.T) {
		cmd, _, stderr := presencedCmd(t.Context(), "_worker")
		cmd.Env = append(cmd.Env,
			"PRESENCED_ENDPOINT="+url+"/channels/{target}/typing",
			"PRESENCED_TARGET=42",
			"PRESENCED_TOKEN="+token,
			"PRESENCED_FIXED_INTERVAL_SECONDS=1",
		)
		require.NoError(t, cmd.Start())
		require.Eventually(t, func() bool {
			return p.calls.Load() >= 1
		}, 20*time.Second, 50*time.Millisecond)

		require.NoError(t, cmd.Process.Signal(os.Interrupt))
		err := cmd.Wait()
		if err != nil {
			t.Logf("%s", stderr.String())
			require.NoError(t, err)
		}
		require.Contains(t, stderr.String(), `"event":"cancellation-received"`)
	})

	t.Run("missing token", func(t *testing.T) {
		cmd, _, stderr := presencedCmd(t.Context(), "_worker")
		cmd.Env = append(cmd.Env,
			"PRESENCED_TOKEN=",
			"USER_TOKEN=",
			"PRESENCED_ENDPOINT="+url,
			"PRESENCED_TARGET=42",
		)
		err := cmd.Run()
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, 1, exitErr.ExitCode())
		require.Contains(t, stderr.String(), "no token")
	})
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
