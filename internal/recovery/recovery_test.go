package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func runGuarded(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	wg.Wait()
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	runGuarded(func() {
		defer RecoverWithLog(logger, "relay.serveFlow")
		panic("boom")
	})

	output := buf.String()
	for _, want := range []string{"panic recovered", "relay.serveFlow", "boom", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	runGuarded(func() {
		defer RecoverWithLog(logger, "relay.sweepLoop")
	})

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestRecoverWithCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var recovered any
	runGuarded(func() {
		defer RecoverWithCallback(logger, "relay.serveListener", func(r any) {
			recovered = r
		})
		panic("callback test")
	})

	if recovered != "callback test" {
		t.Errorf("recovered = %v, want 'callback test'", recovered)
	}

	called := false
	runGuarded(func() {
		defer RecoverWithCallback(logger, "quiet", func(any) { called = true })
	})
	if called {
		t.Error("callback called without a panic")
	}

	// A nil callback must not panic.
	runGuarded(func() {
		defer RecoverWithCallback(logger, "nil", nil)
		panic("nil callback test")
	})
}
