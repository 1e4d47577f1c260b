package recovery

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coinstash/tether/internal/logging"
)

func TestRecoverWithLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithWriter("debug", "text", &buf)

	func() {
		defer RecoverWithLog(logger, "testGoroutine")
		panic("boom")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Errorf("missing recovery log: %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("missing panic value: %q", out)
	}
	if !strings.Contains(out, "testGoroutine") {
		t.Errorf("missing goroutine name: %q", out)
	}
}

func TestRecoverWithLog_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithWriter("debug", "text", &buf)

	func() {
		defer RecoverWithLog(logger, "clean")
	}()

	if buf.Len() != 0 {
		t.Errorf("unexpected log output without panic: %q", buf.String())
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := logging.NewLoggerWithWriter("debug", "text", &syncWriter{buf: &buf, mu: &mu})

	Go(logger, "worker", func() {
		panic("worker blew up")
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		out := buf.String()
		mu.Unlock()
		if strings.Contains(out, "worker blew up") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("panic never logged: %q", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type syncWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
