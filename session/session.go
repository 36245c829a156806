// Package session implements the Session Manager (C6): session
// lifecycle (create/close/expire), per-session wiring of the adapter,
// queue, batch processor, and recovery controller, and the global
// concurrency cap.
//
// Grounded on the teacher's claude/session_manager.go: one struct per
// live session guarded by its own lock, a registry map guarded
// separately, and a periodic sweep that closes idle sessions the same
// way an explicit close would. The ISession/SessionInfo split is
// consolidated into Session/Snapshot per this module's Open Question
// decision (see DESIGN.md).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/mcp-nexus/mcp-nexus-go/batch"
	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/queue"
	"github.com/mcp-nexus/mcp-nexus-go/recovery"
	"github.com/mcp-nexus/mcp-nexus-go/resultcache"
)

// State is a session's lifecycle state.
type State string

const (
	StateActive  State = "Active"
	StateClosing State = "Closing"
	StateClosed  State = "Closed"
	StateFaulted State = "Faulted"
)

// Snapshot is an immutable, JSON-friendly point-in-time copy of a
// Session, taken under its lock.
type Snapshot struct {
	SessionID      string
	DumpPath       string
	SymbolsPath    string
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
	FaultReason    string
}

// Session owns one CDB adapter and everything wired in front of it.
type Session struct {
	id          string
	dumpPath    string
	symbolsPath string
	clock       clock.Clock

	adapter    *cdb.Adapter
	queue      *queue.Queue
	batcher    *batch.Processor
	controller *recovery.Controller
	cache      *resultcache.Cache

	mu             sync.Mutex
	state          State
	createdAt      time.Time
	lastActivityAt time.Time
	faultReason    string
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// Queue returns the session's command queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch updates lastActivityAt to now (§4.6: "called on every successful
// operation on behalf of the session").
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = s.clock.Now()
	s.mu.Unlock()
}

// Snapshot takes an immutable copy of the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.id,
		DumpPath:       s.dumpPath,
		SymbolsPath:    s.symbolsPath,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		FaultReason:    s.faultReason,
	}
}

// EnqueueCommand queues commandText on this session, failing fast if
// the session has already been marked Faulted (§4.5).
func (s *Session) EnqueueCommand(commandText string) (string, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateFaulted {
		return "", &FaultedError{SessionID: s.id}
	}

	id := s.queue.Enqueue(commandText)
	s.Touch()
	return id, nil
}

// MarkFaulted implements recovery.FaultHandler: it transitions the
// session to Faulted so subsequent EnqueueCommand calls fail fast.
func (s *Session) MarkFaulted(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFaulted
	s.faultReason = reason
	s.mu.Unlock()
}

// idleFor reports how long the session has gone without activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

// close tears the session down: cancel everything queued, stop the
// adapter, dispose the queue, and transition to Closed. Safe to call
// more than once; only the first call does any work.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.queue.CancelAllIDs("session closing")
	s.queue.Dispose()
	s.adapter.Stop(ctx)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
