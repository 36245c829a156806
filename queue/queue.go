// Package queue implements the per-session Command Queue (C3): a FIFO
// dispatcher owning heartbeats, status, cancellation, and result
// publication for one session's commands.
//
// Grounded on the teacher's session_manager.go dispatch loop (a single
// goroutine that is the only writer of session state) and
// zjrosen-perles's internal/orchestration/queue (the FIFO
// enqueue/dequeue shape), combined with notify.Broadcaster-style
// heartbeat emission.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
	"github.com/mcp-nexus/mcp-nexus-go/resultcache"
)

// DefaultHeartbeatInterval is the default heartbeat cadence (§4.3,
// §5: "default 15s").
const DefaultHeartbeatInterval = 15 * time.Second

// Executor is what the queue's own dispatch loop sends singly-executed
// commands to. cdb.Adapter satisfies this signature; the batch
// processor is not an Executor and is wired separately via Batcher.
type Executor interface {
	Execute(ctx context.Context, commandText string, cancel <-chan struct{}) (string, error)
}

// classifier lets an Executor's error report which terminal state it
// implies, so the queue does not need to import cdb's concrete error
// types to classify its own commands.
type classifier interface {
	QueueState() string
}

// Batcher is what a batch.Processor offers the queue: an eligibility
// check and a non-blocking submission. batch.Processor satisfies this
// structurally; the queue never imports the batch package.
type Batcher interface {
	Eligible(commandText string) bool
	Submit(commandID, commandText string, cancel <-chan struct{})
	Remove(commandID string) bool
}

// Queue is one session's FIFO command queue and single-threaded
// dispatcher.
type Queue struct {
	sessionID         string
	executor          Executor
	sink              notify.Sink
	cache             *resultcache.Cache
	clock             clock.Clock
	heartbeatInterval time.Duration

	mu       sync.Mutex
	commands map[string]*command
	disposed bool
	batcher  Batcher

	outcomeObserver func(commandID string, err error)

	pending chan *command
	doneCh  chan struct{}
}

// New builds a Queue bound to executor and wires its terminal results
// into cache and its events into sink.
func New(sessionID string, executor Executor, sink notify.Sink, cache *resultcache.Cache, clk clock.Clock, heartbeatInterval time.Duration) *Queue {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	q := &Queue{
		sessionID:         sessionID,
		executor:          executor,
		sink:              sink,
		cache:             cache,
		clock:             clk,
		heartbeatInterval: heartbeatInterval,
		commands:          make(map[string]*command),
		pending:           make(chan *command, 4096),
		doneCh:            make(chan struct{}),
	}
	go q.dispatchLoop()
	return q
}

// SetBatcher wires a batch processor in front of the adapter: eligible
// commands are routed to it instead of this queue's own FIFO dispatch
// loop (§4.4's "the command queue hands eligible commands to the batch
// processor instead of dispatching them directly").
func (q *Queue) SetBatcher(b Batcher) {
	q.mu.Lock()
	q.batcher = b
	q.mu.Unlock()
}

// SetOutcomeObserver wires a callback invoked with every command's id
// and terminal error (nil on success) right after it finalizes. The
// recovery controller uses this to watch for fault signals (§4.5
// detection) without the queue importing the recovery package, and to
// attribute the fault to the specific command that caused it even
// after that command has already gone terminal.
func (q *Queue) SetOutcomeObserver(fn func(commandID string, err error)) {
	q.mu.Lock()
	q.outcomeObserver = fn
	q.mu.Unlock()
}

// Enqueue appends commandText to the FIFO and never blocks. Commands
// eligible for batching are instead handed to the batcher, which reports
// back via MarkExecuting/Finalize once its own coalescing window closes.
func (q *Queue) Enqueue(commandText string) string {
	id := uuid.New().String()
	cmd := newCommand(id, q.sessionID, commandText, q.clock.Now())

	q.mu.Lock()
	q.commands[id] = cmd
	batcher := q.batcher
	q.mu.Unlock()

	q.emitStatus(cmd)

	if batcher != nil && batcher.Eligible(commandText) {
		batcher.Submit(id, commandText, cmd.cancelCh)
		return id
	}

	select {
	case q.pending <- cmd:
	default:
		// The buffered channel is sized generously for normal load; if it
		// is genuinely full, enqueue must still not block the caller.
		go func() { q.pending <- cmd }()
	}
	return id
}

// Status returns the current CommandInfo for commandID. A command
// still tracked in the live queue answers directly; one already
// finalized and pruned (§4.2) falls back to the result cache, and one
// whose cached result has itself since been evicted still answers with
// a "result expired" CommandInfo rather than losing the id entirely
// (§7).
func (q *Queue) Status(commandID string) (CommandInfo, bool) {
	q.mu.Lock()
	cmd, ok := q.commands[commandID]
	q.mu.Unlock()
	if ok {
		cmd.mu.Lock()
		defer cmd.mu.Unlock()
		return cmd.snapshotLocked(), true
	}

	if result, ok := q.cache.Get(commandID); ok {
		return commandInfoFromResult(result), true
	}
	if tomb, ok := q.cache.Expired(commandID); ok {
		return expiredCommandInfo(commandID, tomb), true
	}
	return CommandInfo{}, false
}

// StatusBulk returns CommandInfo for every id found; missing ids are
// simply absent from the result.
func (q *Queue) StatusBulk(ids []string) map[string]CommandInfo {
	out := make(map[string]CommandInfo, len(ids))
	for _, id := range ids {
		if info, ok := q.Status(id); ok {
			out[id] = info
		}
	}
	return out
}

// Cancel implements §4.3's three-way cancellation semantics.
func (q *Queue) Cancel(commandID string, reason string) bool {
	q.mu.Lock()
	cmd, ok := q.commands[commandID]
	q.mu.Unlock()
	if !ok {
		return false
	}

	q.mu.Lock()
	batcher := q.batcher
	q.mu.Unlock()
	if batcher != nil {
		batcher.Remove(commandID)
	}

	cmd.mu.Lock()
	switch cmd.state {
	case StateQueued:
		now := q.clock.Now()
		cmd.state = StateCancelled
		cmd.startedAt = now
		cmd.endedAt = now
		cmd.errorMessage = reason
		snap := cmd.snapshotLocked()
		cmd.mu.Unlock()
		q.publish(cmd, snap)
		return true
	case StateExecuting:
		cmd.errorMessage = reason
		cmd.mu.Unlock()
		cmd.triggerCancel()
		return true
	default:
		cmd.mu.Unlock()
		return false
	}
}

// CancelAll cancels every non-terminal command and returns the count
// acted upon.
func (q *Queue) CancelAll(reason string) int {
	return len(q.CancelAllIDs(reason))
}

// CancelAllIDs cancels every non-terminal command and returns the ids
// actually acted upon, in no particular order. The recovery controller
// uses this to populate SessionRecovery.AffectedCommands (§4.5, §6).
func (q *Queue) CancelAllIDs(reason string) []string {
	q.mu.Lock()
	ids := make([]string, 0, len(q.commands))
	for id := range q.commands {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	affected := make([]string, 0, len(ids))
	for _, id := range ids {
		if q.Cancel(id, reason) {
			affected = append(affected, id)
		}
	}
	return affected
}

// Dispose stops the dispatcher loop. It is safe to call more than
// once.
func (q *Queue) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.mu.Unlock()
	close(q.doneCh)
}

func (q *Queue) dispatchLoop() {
	for {
		select {
		case cmd := <-q.pending:
			q.run(cmd)
		case <-q.doneCh:
			return
		}
	}
}

func (q *Queue) run(cmd *command) {
	cmd.mu.Lock()
	if cmd.state != StateQueued {
		// Cancelled (or otherwise moved out of Queued) while still
		// sitting in the pending channel; skip without disturbing FIFO
		// order for the rest of the queue.
		cmd.mu.Unlock()
		return
	}
	cmd.state = StateExecuting
	cmd.startedAt = q.clock.Now()
	cmd.mu.Unlock()

	q.emitStatus(cmd)

	hbDone := make(chan struct{})
	go q.runHeartbeat(cmd, hbDone)

	out, err := q.executor.Execute(context.Background(), cmd.text, cmd.cancelCh)
	close(hbDone)

	q.finalize(cmd, out, err)
}

// MarkExecuting transitions commandID from Queued to Executing. It is a
// Batcher callback: the batch processor calls this the instant a batch
// containing commandID begins its round trip against the adapter.
func (q *Queue) MarkExecuting(commandID string) {
	q.mu.Lock()
	cmd, ok := q.commands[commandID]
	q.mu.Unlock()
	if !ok {
		return
	}
	cmd.mu.Lock()
	if cmd.state != StateQueued {
		cmd.mu.Unlock()
		return
	}
	cmd.state = StateExecuting
	cmd.startedAt = q.clock.Now()
	cmd.mu.Unlock()
	q.emitStatus(cmd)
}

// Finalize moves commandID to a terminal state given its output/error.
// It is a Batcher callback, used the same way q.run uses q.finalize for
// singly-dispatched commands.
func (q *Queue) Finalize(commandID string, output string, err error) {
	q.mu.Lock()
	cmd, ok := q.commands[commandID]
	q.mu.Unlock()
	if !ok {
		return
	}
	q.finalize(cmd, output, err)
}

// finalize records a command's terminal outcome and publishes it. A
// command already in a terminal state (e.g. cancelled while Queued,
// racing a batch flush that picked it up moments earlier) is left alone.
func (q *Queue) finalize(cmd *command, output string, err error) {
	cmd.mu.Lock()
	if cmd.state.IsTerminal() {
		cmd.mu.Unlock()
		return
	}
	cmd.endedAt = q.clock.Now()
	cmd.output = output
	success := err == nil
	cmd.isSuccess = &success
	if err != nil {
		cmd.errorMessage = err.Error()
		if c, ok := err.(classifier); ok {
			cmd.state = State(c.QueueState())
		} else {
			cmd.state = StateFailed
		}
	} else {
		cmd.state = StateCompleted
	}
	snap := cmd.snapshotLocked()
	cmd.mu.Unlock()

	q.publish(cmd, snap)

	q.mu.Lock()
	observer := q.outcomeObserver
	q.mu.Unlock()
	if observer != nil {
		observer(cmd.commandID, err)
	}
}

func (q *Queue) runHeartbeat(cmd *command, done <-chan struct{}) {
	ticker := q.clock.NewTicker(q.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			cmd.mu.Lock()
			elapsed := q.clock.Now().Sub(cmd.startedAt)
			cmd.mu.Unlock()
			q.sink.NotifyCommandHeartbeat(notify.CommandHeartbeat{
				SessionID:      q.sessionID,
				CommandID:      cmd.commandID,
				Command:        cmd.text,
				ElapsedSeconds: elapsed.Seconds(),
				ElapsedDisplay: elapsed.Round(time.Second).String(),
				Timestamp:      q.clock.Now(),
			})
		case <-done:
			return
		}
	}
}

// publish stores a terminal result in the cache, prunes the command
// from the queue's own live map now that the cache is its system of
// record, and emits the matching commandStatus notification. Called
// for every path that moves a command out of Executing (and for the
// Queued-cancelled shortcut), satisfying §7's "the queue never
// deadlocks on an errored command" rule.
//
// The prune is what actually bounds the queue's memory per §4.2:
// without it, q.commands would grow for the life of the session, and
// Status would never reach its result-cache fallback.
func (q *Queue) publish(cmd *command, snap CommandInfo) {
	if snap.State.IsTerminal() {
		result := resultcache.Result{
			Success:      snap.IsSuccess != nil && *snap.IsSuccess,
			Output:       snap.Output,
			ErrorMessage: snap.ErrorMessage,
			CommandID:    cmd.commandID,
			Command:      cmd.text,
			State:        string(snap.State),
			QueuedAt:     snap.QueuedAt,
		}
		if snap.StartedAt != nil {
			result.StartedAt = *snap.StartedAt
		}
		if snap.EndedAt != nil {
			result.EndedAt = *snap.EndedAt
		}
		if snap.ExecutionTime != nil {
			result.Duration = *snap.ExecutionTime
		}
		q.cache.Store(cmd.commandID, result)

		q.mu.Lock()
		delete(q.commands, cmd.commandID)
		q.mu.Unlock()
	}
	q.emitStatus(cmd)
}

func (q *Queue) emitStatus(cmd *command) {
	cmd.mu.Lock()
	snap := cmd.snapshotLocked()
	cmd.mu.Unlock()

	evt := notify.CommandStatus{
		SessionID: q.sessionID,
		CommandID: snap.CommandID,
		Command:   snap.Command,
		Status:    notify.CommandState(snap.State),
		Message:   snap.ErrorMessage,
		Timestamp: q.clock.Now(),
	}
	if snap.ErrorMessage != "" {
		evt.Error = snap.ErrorMessage
	}
	q.sink.NotifyCommandStatus(evt)
}
