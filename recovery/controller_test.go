package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
	"github.com/mcp-nexus/mcp-nexus-go/queue"
	"github.com/mcp-nexus/mcp-nexus-go/resultcache"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

type fakeAdapter struct {
	mu         sync.Mutex
	stopCalls  int
	startCalls int
	startErr   error
	alive      bool
}

func (f *fakeAdapter) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopCalls++
	f.alive = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Start(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr == nil {
		f.alive = true
	}
	return f.startErr
}

func (f *fakeAdapter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls, f.startCalls
}

type fakeCanceller struct {
	mu       sync.Mutex
	calls    int
	reasons  []string
	idsToRet []string
}

func (f *fakeCanceller) CancelAllIDs(reason string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reasons = append(f.reasons, reason)
	return f.idsToRet
}

type fakeFaultHandler struct {
	mu      sync.Mutex
	faulted bool
	reason  string
}

func (f *fakeFaultHandler) MarkFaulted(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faulted = true
	f.reason = reason
}

func (f *fakeFaultHandler) wasFaulted() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faulted, f.reason
}

type recordingSink struct {
	mu      sync.Mutex
	events  []notify.SessionRecovery
}

func (s *recordingSink) NotifyCommandStatus(notify.CommandStatus)       {}
func (s *recordingSink) NotifyCommandHeartbeat(notify.CommandHeartbeat) {}
func (s *recordingSink) NotifySessionRecovery(e notify.SessionRecovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []notify.SessionRecovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.SessionRecovery, len(s.events))
	copy(out, s.events)
	return out
}

func testConfig() Config {
	return Config{
		MaxAttempts:              3,
		InitialBackoff:           time.Millisecond,
		BackoffFactor:            2,
		MaxBackoff:               10 * time.Millisecond,
		ConsecutiveIdleThreshold: 2,
	}
}

func TestSuccessfulRecoveryRestartsAdapterAndNotifies(t *testing.T) {
	adapter := &fakeAdapter{}
	canceller := &fakeCanceller{idsToRet: []string{"cmd-1", "cmd-2"}}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, canceller, sink, fc, testConfig(), fh)

	ok := c.TriggerAndWait(context.Background(), "", "explicit request")
	if !ok {
		t.Fatal("expected recovery to succeed")
	}

	stops, starts := adapter.counts()
	if stops != 1 || starts != 1 {
		t.Errorf("expected exactly one stop+start, got stops=%d starts=%d", stops, starts)
	}
	if canceller.calls != 1 || canceller.reasons[0] != "CDB recovery" {
		t.Errorf("expected CancelAllIDs called once with 'CDB recovery', got %+v", canceller.reasons)
	}
	if faulted, _ := fh.wasFaulted(); faulted {
		t.Error("did not expect the session to be marked Faulted on success")
	}

	events := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("expected at least one SessionRecovery notification")
	}
	last := events[len(events)-1]
	if !last.Success || last.RecoveryStep != "restart" {
		t.Errorf("expected a final successful restart notification, got %+v", last)
	}
	if events[0].AffectedCommands[0] != "cmd-1" {
		t.Errorf("expected the cancel step to carry affected command ids, got %+v", events[0])
	}
}

func TestExhaustedAttemptsMarksSessionFaulted(t *testing.T) {
	adapter := &fakeAdapter{startErr: errors.New("cdb.exe not found")}
	canceller := &fakeCanceller{}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, canceller, sink, fc, testConfig(), fh)

	ok := c.TriggerAndWait(context.Background(), "", "explicit request")
	if ok {
		t.Fatal("expected recovery to report failure")
	}

	_, starts := adapter.counts()
	if starts != testConfig().MaxAttempts {
		t.Errorf("expected %d start attempts, got %d", testConfig().MaxAttempts, starts)
	}

	faulted, reason := fh.wasFaulted()
	if !faulted {
		t.Fatal("expected the session to be marked Faulted after exhausting attempts")
	}
	if reason == "" {
		t.Error("expected a non-empty fault reason")
	}

	events := sink.snapshot()
	last := events[len(events)-1]
	if last.Success || last.RecoveryStep != "faulted" {
		t.Errorf("expected a final unsuccessful 'faulted' notification, got %+v", last)
	}
}

func TestTriggerIgnoresConcurrentRequestWhileRecovering(t *testing.T) {
	adapter := &fakeAdapter{}
	canceller := &fakeCanceller{}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, canceller, sink, fc, testConfig(), fh)

	c.Trigger(context.Background(), "", "first")
	c.Trigger(context.Background(), "", "second") // should be a no-op: a recovery is already in flight

	waitUntil(t, func() bool {
		_, starts := adapter.counts()
		return starts == 1
	})

	time.Sleep(5 * time.Millisecond)
	if canceller.calls != 1 {
		t.Errorf("expected exactly one recovery attempt to run, got %d CancelAllIDs calls", canceller.calls)
	}
}

func TestObserveCommandOutcomeTriggersOnFaultError(t *testing.T) {
	adapter := &fakeAdapter{}
	canceller := &fakeCanceller{}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, canceller, sink, fc, testConfig(), fh)

	c.ObserveCommandOutcome(context.Background(), "cmd-fault", &cdb.FaultError{Reason: "process exited"})

	waitUntil(t, func() bool { return canceller.calls == 1 })
}

func TestObserveCommandOutcomeRequiresTwoConsecutiveIdleTimeouts(t *testing.T) {
	adapter := &fakeAdapter{}
	canceller := &fakeCanceller{}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, canceller, sink, fc, testConfig(), fh)

	idleErr := &cdb.TimeoutError{Kind: cdb.IdleTimeout, Limit: 5 * time.Second}
	c.ObserveCommandOutcome(context.Background(), "cmd-idle-1", idleErr)
	time.Sleep(5 * time.Millisecond)
	if canceller.calls != 0 {
		t.Fatal("did not expect recovery after a single idle timeout")
	}

	c.ObserveCommandOutcome(context.Background(), "cmd-idle-2", idleErr)
	waitUntil(t, func() bool { return canceller.calls == 1 })
}

func TestObserveCommandOutcomeResetsCounterOnSuccess(t *testing.T) {
	adapter := &fakeAdapter{}
	canceller := &fakeCanceller{}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, canceller, sink, fc, testConfig(), fh)

	idleErr := &cdb.TimeoutError{Kind: cdb.IdleTimeout, Limit: 5 * time.Second}
	c.ObserveCommandOutcome(context.Background(), "cmd-idle-1", idleErr)
	c.ObserveCommandOutcome(context.Background(), "cmd-ok", nil)
	c.ObserveCommandOutcome(context.Background(), "cmd-idle-2", idleErr)

	time.Sleep(5 * time.Millisecond)
	if canceller.calls != 0 {
		t.Error("expected the success in between to reset the consecutive-idle-timeout counter")
	}
}

// TestObserveCommandOutcomeIncludesFaultingCommandAgainstRealQueue
// exercises the real queue.Queue (not fakeCanceller): it drives a
// command whose execution itself reports a CDB fault and asserts that
// command's id survives into AffectedCommands even though finalize()
// has already made it terminal by the time CancelAllIDs runs.
func TestObserveCommandOutcomeIncludesFaultingCommandAgainstRealQueue(t *testing.T) {
	adapter := &fakeAdapter{}
	sink := &recordingSink{}
	fh := &fakeFaultHandler{}
	fc := clock.NewFake(time.Unix(0, 0))
	cache := resultcache.New(16)
	exec := &faultingExecutor{started: make(chan struct{})}
	q := queue.New("sess-1", exec, sink, cache, fc, time.Hour)
	defer q.Dispose()

	c := New("sess-1", "C:\\dumps\\crash.dmp", "", adapter, q, sink, fc, testConfig(), fh)
	q.SetOutcomeObserver(func(commandID string, err error) {
		c.ObserveCommandOutcome(context.Background(), commandID, err)
	})

	id := q.Enqueue("g")
	waitUntil(t, func() bool {
		select {
		case <-exec.started:
			return true
		default:
			return false
		}
	})
	waitUntil(t, func() bool {
		_, starts := adapter.counts()
		return starts == 1
	})

	events := sink.snapshot()
	if len(events) == 0 {
		t.Fatal("expected at least one SessionRecovery notification")
	}
	cancelEvt := events[0]
	if cancelEvt.RecoveryStep != "cancel" {
		t.Fatalf("expected the first notification to be the cancel step, got %+v", cancelEvt)
	}
	found := false
	for _, a := range cancelEvt.AffectedCommands {
		if a == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the in-flight faulting command %q in AffectedCommands, got %+v", id, cancelEvt.AffectedCommands)
	}
}

// faultingExecutor simulates a CDB session that faults while executing
// its one in-flight command.
type faultingExecutor struct {
	started chan struct{}
}

func (e *faultingExecutor) Execute(context.Context, string, <-chan struct{}) (string, error) {
	close(e.started)
	return "", &cdb.FaultError{Reason: "process exited"}
}
