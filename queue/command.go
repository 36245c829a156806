package queue

import (
	"sync"
	"time"

	"github.com/mcp-nexus/mcp-nexus-go/resultcache"
)

// State is a QueuedCommand's lifecycle state (§3).
type State string

const (
	StateQueued    State = "Queued"
	StateExecuting State = "Executing"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
	StateTimeout   State = "Timeout"
)

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// CommandInfo is the immutable, JSON-friendly snapshot returned by
// Status/StatusBulk (§4.3), taken under the owning Command's lock so
// callers never observe a torn read (the teacher's SessionSnapshot
// pattern, generalized to commands).
type CommandInfo struct {
	CommandID     string
	Command       string
	State         State
	QueuedAt      time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	Output        string
	IsSuccess     *bool
	ErrorMessage  string
	ExecutionTime *time.Duration
	TotalTime     *time.Duration
}

// command is the owning, mutable struct backing one QueuedCommand.
type command struct {
	mu sync.Mutex

	commandID string
	sessionID string
	text      string

	state     State
	queuedAt  time.Time
	startedAt time.Time
	endedAt   time.Time

	output       string
	isSuccess    *bool
	errorMessage string

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func newCommand(id, sessionID, text string, queuedAt time.Time) *command {
	return &command{
		commandID: id,
		sessionID: sessionID,
		text:      text,
		state:     StateQueued,
		queuedAt:  queuedAt,
		cancelCh:  make(chan struct{}),
	}
}

// triggerCancel closes the command's cancel handle exactly once,
// propagating to whatever is currently reading from it (the adapter's
// execute/executeBatch call).
func (c *command) triggerCancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// snapshotLocked builds a CommandInfo; the caller must hold c.mu.
func (c *command) snapshotLocked() CommandInfo {
	info := CommandInfo{
		CommandID:    c.commandID,
		Command:      c.text,
		State:        c.state,
		QueuedAt:     c.queuedAt,
		Output:       c.output,
		IsSuccess:    c.isSuccess,
		ErrorMessage: c.errorMessage,
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		info.StartedAt = &started
	}
	if !c.endedAt.IsZero() {
		ended := c.endedAt
		info.EndedAt = &ended
	}
	if info.StartedAt != nil && info.EndedAt != nil {
		d := c.endedAt.Sub(c.startedAt)
		info.ExecutionTime = &d
	}
	if info.EndedAt != nil {
		d := c.endedAt.Sub(c.queuedAt)
		info.TotalTime = &d
	}
	return info
}

// commandInfoFromResult rebuilds a CommandInfo for a commandId whose
// owning command has already been pruned from the queue's own map,
// using the result cache's surviving copy (§4.2). This mirrors
// snapshotLocked, just reading from the cached Result instead of a live
// command, except that IsSuccess is always set here: a command
// cancelled while still Queued reports false rather than leaving it nil.
func commandInfoFromResult(r resultcache.Result) CommandInfo {
	success := r.Success
	info := CommandInfo{
		CommandID:    r.CommandID,
		Command:      r.Command,
		State:        State(r.State),
		QueuedAt:     r.QueuedAt,
		Output:       r.Output,
		IsSuccess:    &success,
		ErrorMessage: r.ErrorMessage,
	}
	if !r.StartedAt.IsZero() {
		started := r.StartedAt
		info.StartedAt = &started
	}
	if !r.EndedAt.IsZero() {
		ended := r.EndedAt
		info.EndedAt = &ended
	}
	if info.StartedAt != nil && info.EndedAt != nil {
		d := r.EndedAt.Sub(r.StartedAt)
		info.ExecutionTime = &d
	}
	if info.EndedAt != nil {
		d := r.EndedAt.Sub(r.QueuedAt)
		info.TotalTime = &d
	}
	return info
}

// expiredCommandInfo answers a Status query for a commandId whose
// cached result has itself since been evicted: a "result expired"
// message, not a crash or a bare not-found (§4.2, §7).
func expiredCommandInfo(commandID string, tomb resultcache.Tombstone) CommandInfo {
	return CommandInfo{
		CommandID:    commandID,
		Command:      tomb.Command,
		State:        State(tomb.State),
		ErrorMessage: "result expired",
	}
}
