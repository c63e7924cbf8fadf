package focus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeFocuser struct {
	mu        sync.Mutex
	calls     int
	cancels   int
	inFlight  int
	maxFlight int
	failStart bool
	sync      bool // invoke done before AutoFocus returns
	hold      bool // never call done
	result    bool
}

func (f *fakeFocuser) AutoFocus(done func(bool)) error {
	f.mu.Lock()
	f.calls++
	if f.failStart {
		f.mu.Unlock()
		return errors.New("driver busy")
	}
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	hold, syncCall, result := f.hold, f.sync, f.result
	f.mu.Unlock()

	if hold {
		return nil
	}
	finish := func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
		done(result)
	}
	if syncCall {
		finish()
		return nil
	}
	go func() {
		time.Sleep(time.Millisecond)
		finish()
	}()
	return nil
}

func (f *fakeFocuser) CancelAutoFocus() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeFocuser) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

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

func TestNonAutoFocusModesNeverCallDriver(t *testing.T) {
	for _, mode := range []Mode{ModeContinuousPicture, ModeContinuousVideo, ModeFixed, ModeInfinity, ModeExtendedDepthField} {
		f := &fakeFocuser{}
		s := NewScheduler(f, mode, WithInterval(time.Millisecond))
		s.Start()
		time.Sleep(10 * time.Millisecond)
		s.Stop()
		if f.Calls() != 0 || f.cancels != 0 {
			t.Errorf("mode %s: calls=%d cancels=%d, want none", mode, f.Calls(), f.cancels)
		}
		if s.Enabled() {
			t.Errorf("mode %s reported enabled", mode)
		}
	}
}

func TestStartFocusesAndReschedules(t *testing.T) {
	f := &fakeFocuser{result: true}
	s := NewScheduler(f, ModeAuto, WithInterval(5*time.Millisecond))
	s.Start()
	waitFor(t, func() bool { return f.Calls() >= 3 })
	s.Stop()
}

func TestStartIsIdempotentWhileFocusing(t *testing.T) {
	f := &fakeFocuser{hold: true}
	s := NewScheduler(f, ModeMacro)
	s.Start()
	s.Start()
	s.Start()
	if got := f.Calls(); got != 1 {
		t.Errorf("AutoFocus calls = %d, want 1", got)
	}
	s.Stop()
}

func TestStopIsQuiescent(t *testing.T) {
	f := &fakeFocuser{result: true}
	s := NewScheduler(f, ModeAuto, WithInterval(time.Millisecond))
	s.Start()
	waitFor(t, func() bool { return f.Calls() >= 2 })

	s.Stop()
	after := f.Calls()
	time.Sleep(30 * time.Millisecond)
	if got := f.Calls(); got != after {
		t.Errorf("AutoFocus called %d times after Stop", got-after)
	}
	if s.Outstanding() != 0 {
		t.Errorf("outstanding task survived Stop")
	}

	s.Start()
	if got := f.Calls(); got != after {
		t.Errorf("Start after Stop issued a request")
	}
}

func TestStopCancelsDriverFocus(t *testing.T) {
	f := &fakeFocuser{hold: true}
	s := NewScheduler(f, ModeAuto)
	s.Start()
	s.Stop()
	if f.cancels != 1 {
		t.Errorf("cancels = %d, want 1", f.cancels)
	}
}

func TestDriverErrorReschedules(t *testing.T) {
	f := &fakeFocuser{failStart: true}
	s := NewScheduler(f, ModeAuto, WithInterval(2*time.Millisecond))
	s.Start()
	waitFor(t, func() bool { return f.Calls() >= 3 })
	s.Stop()
}

func TestSynchronousCallbackDoesNotDeadlock(t *testing.T) {
	f := &fakeFocuser{sync: true, result: false}
	s := NewScheduler(f, ModeAuto, WithInterval(time.Millisecond))
	s.Start()
	waitFor(t, func() bool { return f.Calls() >= 3 })
	s.Stop()
}

func TestAtMostOneOutstandingTask(t *testing.T) {
	f := &fakeFocuser{result: true}
	s := NewScheduler(f, ModeAuto, WithInterval(time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Start()
				if n := s.Outstanding(); n > 1 {
					t.Errorf("outstanding = %d", n)
				}
			}
		}()
	}
	wg.Wait()
	s.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxFlight > 1 {
		t.Errorf("%d concurrent focus operations, want at most 1", f.maxFlight)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("macro"); err != nil || m != ModeMacro {
		t.Errorf("ParseMode(macro) = %q, %v", m, err)
	}
	if _, err := ParseMode("sideways"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
