package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"aaronromeo.com/himalayacache/pkg/base"
)

// SetupLogger sets up a logger that only outputs if the test fails
func SetupLogger(t *testing.T) *slog.Logger {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{buf: &buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Cleanup(func() {
		if t.Failed() {
			os.Stdout.Write(buf.Bytes()) //nolint:errcheck
		}
	})

	return logger
}

type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Sleeper records requested backoff delays without waiting.
type Sleeper struct {
	mu     sync.Mutex
	Delays []time.Duration
}

func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delays = append(s.Delays, d)
	return ctx.Err()
}

// JSONResult builds a successful agent result whose stdout is v encoded as JSON.
func JSONResult(t *testing.T, v any) base.Result {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encoding agent output: %v", err)
	}
	return base.Result{Stdout: data}
}

func FailedResult(stderr string) base.Result {
	return base.Result{Stderr: []byte(stderr), ExitCode: 1}
}

func Ptr[T any](v T) *T {
	return &v
}
