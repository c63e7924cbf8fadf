package decode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wachiwi/recarga/pkg/ocr"
)

type stubSource struct {
	err error
}

func (s *stubSource) Frame() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

type stubEngine struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
	block chan struct{}
}

func (e *stubEngine) Init(string, string, ocr.EngineMode) error { return nil }
func (e *stubEngine) SetPageSegMode(ocr.PageSegMode) {}
func (e *stubEngine) End() {}

func (e *stubEngine) Decode(ctx context.Context, _ []byte) (*ocr.Result, error) {
	e.mu.Lock()
	e.calls++
	block := e.block
	e.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &ocr.Result{Text: e.text, Timestamp: time.Now()}, nil
}

func (e *stubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type collector struct {
	mu       sync.Mutex
	results  []*ocr.Result
	failures []*ocr.Failure
}

func (c *collector) HandleResult(r *ocr.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) HandleFailure(f *ocr.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results), len(c.failures)
}

func direct(fn func()) { fn() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestContinuousLoopDeliversResults(t *testing.T) {
	engine := &stubEngine{text: "1234 5678 9012 3456"}
	h := &collector{}
	l := NewLoop(engine, &stubSource{}, direct, h, WithInterval(2*time.Millisecond))
	l.Start(true)

	waitFor(t, func() bool { n, _ := h.counts(); return n >= 3 })
	l.QuitSynchronously()

	n, _ := h.counts()
	time.Sleep(10 * time.Millisecond)
	if m, _ := h.counts(); m != n {
		t.Errorf("%d results dispatched after QuitSynchronously", m-n)
	}
}

func TestOneShotDecodesPerReset(t *testing.T) {
	engine := &stubEngine{text: "hello"}
	h := &collector{}
	l := NewLoop(engine, &stubSource{}, direct, h, WithInterval(time.Hour))
	l.Start(false)

	waitFor(t, func() bool { n, _ := h.counts(); return n == 1 })
	time.Sleep(10 * time.Millisecond)
	if n, _ := h.counts(); n != 1 {
		t.Fatalf("one-shot mode decoded %d frames without a reset", n)
	}

	l.ResetState()
	waitFor(t, func() bool { n, _ := h.counts(); return n == 2 })
	l.QuitSynchronously()
}

func TestFailuresAreDispatched(t *testing.T) {
	tests := []struct {
		name   string
		engine *stubEngine
		want   error
	}{
		{"engine error", &stubEngine{err: errors.New("garbled")}, nil},
		{"empty text", &stubEngine{text: "  \n"}, ErrNoText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &collector{}
			l := NewLoop(tt.engine, &stubSource{}, direct, h, WithInterval(time.Hour))
			l.Start(false)
			waitFor(t, func() bool { _, f := h.counts(); return f == 1 })
			l.QuitSynchronously()

			if tt.want != nil && !errors.Is(h.failures[0].Err, tt.want) {
				t.Errorf("failure = %v, want %v", h.failures[0].Err, tt.want)
			}
		})
	}
}

func TestMissingFrameIsSkipped(t *testing.T) {
	engine := &stubEngine{text: "x"}
	h := &collector{}
	l := NewLoop(engine, &stubSource{err: errors.New("no frame yet")}, direct, h, WithInterval(time.Millisecond))
	l.Start(true)
	time.Sleep(20 * time.Millisecond)
	l.QuitSynchronously()

	if engine.Calls() != 0 {
		t.Errorf("engine called %d times without frames", engine.Calls())
	}
	if n, f := h.counts(); n != 0 || f != 0 {
		t.Errorf("dispatched results=%d failures=%d", n, f)
	}
}

func TestQuitInterruptsBlockedDecode(t *testing.T) {
	engine := &stubEngine{text: "x", block: make(chan struct{})}
	h := &collector{}
	l := NewLoop(engine, &stubSource{}, direct, h)
	l.Start(true)
	waitFor(t, func() bool { return engine.Calls() == 1 })

	done := make(chan struct{})
	go func() {
		l.QuitSynchronously()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("QuitSynchronously did not return")
	}
	if n, f := h.counts(); n != 0 || f != 0 {
		t.Errorf("cancelled decode dispatched results=%d failures=%d", n, f)
	}
}

func TestQuitWithoutStart(t *testing.T) {
	l := NewLoop(&stubEngine{}, &stubSource{}, direct, &collector{})
	l.QuitSynchronously()
	l.Start(true)
	l.QuitSynchronously()
}
