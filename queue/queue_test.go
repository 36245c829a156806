package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
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

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	respond func(commandText string, cancel <-chan struct{}) (string, error)
}

func (f *fakeExecutor) Execute(_ context.Context, commandText string, cancel <-chan struct{}) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, commandText)
	f.mu.Unlock()
	return f.respond(commandText, cancel)
}

func (f *fakeExecutor) calledWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []notify.CommandStatus
}

func (r *recordingSink) NotifyCommandStatus(e notify.CommandStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, e)
}
func (r *recordingSink) NotifyCommandHeartbeat(notify.CommandHeartbeat) {}
func (r *recordingSink) NotifySessionRecovery(notify.SessionRecovery)   {}

func (r *recordingSink) statusesFor(commandID string) []notify.CommandState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.CommandState
	for _, e := range r.statuses {
		if e.CommandID == commandID {
			out = append(out, e.Status)
		}
	}
	return out
}

func newTestQueue(executor Executor) (*Queue, *recordingSink, *clock.Fake, *resultcache.Cache) {
	sink := &recordingSink{}
	fc := clock.NewFake(time.Unix(0, 0))
	cache := resultcache.New(16)
	q := New("session-1", executor, sink, cache, fc, time.Second)
	return q, sink, fc, cache
}

func TestEnqueueDispatchesInFIFOOrder(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, <-chan struct{}) (string, error) { return "ok", nil }}
	q, _, _, _ := newTestQueue(exec)
	defer q.Dispose()

	id1 := q.Enqueue("lm")
	id2 := q.Enqueue("!threads")

	waitUntil(t, func() bool {
		info, ok := q.Status(id2)
		return ok && info.State.IsTerminal()
	})

	calls := exec.calledWith()
	if len(calls) != 2 || calls[0] != "lm" || calls[1] != "!threads" {
		t.Fatalf("expected FIFO dispatch order, got %v", calls)
	}

	info1, _ := q.Status(id1)
	if info1.State != StateCompleted || info1.Output != "ok" {
		t.Errorf("unexpected info1: %+v", info1)
	}
}

func TestCancelQueuedCommandNeverDispatches(t *testing.T) {
	block := make(chan struct{})
	exec := &fakeExecutor{respond: func(string, <-chan struct{}) (string, error) {
		<-block
		return "first done", nil
	}}
	q, _, _, _ := newTestQueue(exec)
	defer q.Dispose()

	first := q.Enqueue("g") // occupies the dispatcher so the second command stays Queued
	waitUntil(t, func() bool { return len(exec.calledWith()) == 1 })

	second := q.Enqueue("lm")
	ok := q.Cancel(second, "test cancel")
	if !ok {
		t.Fatal("expected Cancel on a Queued command to return true")
	}

	info, _ := q.Status(second)
	if info.State != StateCancelled {
		t.Errorf("expected Cancelled, got %v", info.State)
	}
	if info.StartedAt == nil || info.EndedAt == nil {
		t.Error("expected both StartedAt and EndedAt to be set for a queued cancellation")
	}

	close(block)
	waitUntil(t, func() bool {
		info, ok := q.Status(first)
		return ok && info.State.IsTerminal()
	})

	if calls := exec.calledWith(); len(calls) != 1 {
		t.Errorf("the cancelled command must never reach the executor, got calls %v", calls)
	}
}

func TestCancelExecutingCommandPropagatesToCancelHandle(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ string, cancel <-chan struct{}) (string, error) {
		<-cancel
		return "", &cdb.CancelledError{Reason: "command cancelled"}
	}}
	q, sink, _, _ := newTestQueue(exec)
	defer q.Dispose()

	id := q.Enqueue("g")
	waitUntil(t, func() bool { return len(exec.calledWith()) == 1 })

	ok := q.Cancel(id, "user requested")
	if !ok {
		t.Fatal("expected Cancel on an Executing command to return true")
	}

	waitUntil(t, func() bool {
		info, ok := q.Status(id)
		return ok && info.State.IsTerminal()
	})

	info, _ := q.Status(id)
	if info.State != StateCancelled {
		t.Errorf("expected Cancelled, got %v", info.State)
	}

	states := sink.statusesFor(id)
	if len(states) == 0 || states[len(states)-1] != notify.StateCancelled {
		t.Errorf("expected a terminal Cancelled notification, got %v", states)
	}
}

func TestTerminalResultStoredInCache(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, <-chan struct{}) (string, error) { return "module list", nil }}
	q, _, _, cache := newTestQueue(exec)
	defer q.Dispose()

	id := q.Enqueue("lm")
	waitUntil(t, func() bool {
		info, ok := q.Status(id)
		return ok && info.State.IsTerminal()
	})

	result, ok := cache.Get(id)
	if !ok {
		t.Fatal("expected a cached result")
	}
	if !result.Success || result.Output != "module list" {
		t.Errorf("unexpected cached result: %+v", result)
	}
}

func TestCancelOnTerminalCommandReturnsFalse(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, <-chan struct{}) (string, error) { return "ok", nil }}
	q, _, _, _ := newTestQueue(exec)
	defer q.Dispose()

	id := q.Enqueue("lm")
	waitUntil(t, func() bool {
		info, ok := q.Status(id)
		return ok && info.State.IsTerminal()
	})

	if q.Cancel(id, "too late") {
		t.Error("expected Cancel on a terminal command to return false")
	}
}

func TestStatusFallsBackToCacheOncePruned(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, <-chan struct{}) (string, error) { return "module list", nil }}
	q, _, _, _ := newTestQueue(exec)
	defer q.Dispose()

	id := q.Enqueue("lm")
	waitUntil(t, func() bool {
		info, ok := q.Status(id)
		return ok && info.State.IsTerminal()
	})

	q.mu.Lock()
	_, stillLive := q.commands[id]
	q.mu.Unlock()
	if stillLive {
		t.Fatal("expected the finalized command to be pruned from the live map once cached")
	}

	info, ok := q.Status(id)
	if !ok {
		t.Fatal("expected Status to fall back to the result cache for a pruned command")
	}
	if info.State != StateCompleted || info.Output != "module list" {
		t.Errorf("unexpected reconstructed info: %+v", info)
	}
	if info.StartedAt == nil || info.EndedAt == nil || info.ExecutionTime == nil {
		t.Errorf("expected timestamps to survive the cache round trip: %+v", info)
	}
}

func TestStatusReportsResultExpiredOnceCacheEvicts(t *testing.T) {
	exec := &fakeExecutor{respond: func(string, <-chan struct{}) (string, error) { return "ok", nil }}
	sink := &recordingSink{}
	fc := clock.NewFake(time.Unix(0, 0))
	cache := resultcache.New(1)
	q := New("session-1", exec, sink, cache, fc, time.Second)
	defer q.Dispose()

	first := q.Enqueue("lm")
	waitUntil(t, func() bool {
		info, ok := q.Status(first)
		return ok && info.State.IsTerminal()
	})

	second := q.Enqueue("!threads")
	waitUntil(t, func() bool {
		info, ok := q.Status(second)
		return ok && info.State.IsTerminal()
	})

	info, ok := q.Status(first)
	if !ok {
		t.Fatal("expected an evicted command to still answer Status, not disappear")
	}
	if info.ErrorMessage != "result expired" {
		t.Errorf("expected a 'result expired' message, got %+v", info)
	}
	if info.CommandID != first || info.Command != "lm" {
		t.Errorf("expected the tombstone to preserve id/command, got %+v", info)
	}

	if _, ok := q.Status("never-existed"); ok {
		t.Error("expected Status to report false for an id never seen at all")
	}
}

func TestCancelAllActsOnEveryNonTerminalCommand(t *testing.T) {
	exec := &fakeExecutor{respond: func(_ string, cancel <-chan struct{}) (string, error) {
		<-cancel
		return "", &cdb.CancelledError{Reason: "CDB recovery"}
	}}
	q, _, _, _ := newTestQueue(exec)
	defer q.Dispose()

	id1 := q.Enqueue("g")
	waitUntil(t, func() bool { return len(exec.calledWith()) == 1 })
	id2 := q.Enqueue("lm")

	count := q.CancelAll("CDB recovery")
	if count != 2 {
		t.Errorf("expected 2 commands cancelled, got %d", count)
	}

	waitUntil(t, func() bool {
		i1, _ := q.Status(id1)
		i2, _ := q.Status(id2)
		return i1.State.IsTerminal() && i2.State.IsTerminal()
	})
	i1, _ := q.Status(id1)
	i2, _ := q.Status(id2)
	if i1.State != StateCancelled || i2.State != StateCancelled {
		t.Errorf("expected both cancelled, got %v and %v", i1.State, i2.State)
	}
}
