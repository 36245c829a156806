// Package recovery implements the Recovery Controller (C5): it watches
// one session's adapter for faults, drives the cancel/stop/restart
// procedure, and escalates to marking the session Faulted once its
// retry budget is exhausted.
//
// Grounded on the teacher's monitorProcess reconnect loop
// (claude/session_manager.go: detect exit, attempt restart with bounded
// retries, surface failure upward) generalized from "restart the CLI
// subprocess" to "cancel the blast radius, then restart the CDB adapter".
package recovery

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/internal/obslog"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
)

// Adapter is the subset of cdb.Adapter the controller restarts.
type Adapter interface {
	Alive() bool
	Stop(ctx context.Context) error
	Start(ctx context.Context, dumpPath, symbolsPath string) error
}

// Canceller is the subset of queue.Queue the controller clears out
// before restarting the adapter underneath it.
type Canceller interface {
	CancelAllIDs(reason string) []string
}

// FaultHandler lets the owning session.Session learn that recovery
// attempts are exhausted, so it can transition itself to Faulted.
type FaultHandler interface {
	MarkFaulted(reason string)
}

// Controller is one session's recovery state machine.
type Controller struct {
	sessionID             string
	dumpPath, symbolsPath string

	adapter      Adapter
	queue        Canceller
	sink         notify.Sink
	clock        clock.Clock
	cfg          Config
	faultHandler FaultHandler

	mu                      sync.Mutex
	recovering              bool
	consecutiveIdleTimeouts int
}

// New builds a Controller for one session.
func New(sessionID, dumpPath, symbolsPath string, adapter Adapter, queue Canceller, sink notify.Sink, clk clock.Clock, cfg Config, faultHandler FaultHandler) *Controller {
	return &Controller{
		sessionID:    sessionID,
		dumpPath:     dumpPath,
		symbolsPath:  symbolsPath,
		adapter:      adapter,
		queue:        queue,
		sink:         sink,
		clock:        clk,
		cfg:          cfg.withDefaults(),
		faultHandler: faultHandler,
	}
}

// ObserveCommandOutcome inspects a just-finalized command's error and
// decides whether it constitutes a fault signal (§4.5 detection (a) and
// (b)). Call this once per command completion. commandID identifies
// the command that produced err, so a triggered recovery can still
// attribute the fault to it even though the queue has already moved it
// to a terminal state by the time recovery cancels what remains.
func (c *Controller) ObserveCommandOutcome(ctx context.Context, commandID string, err error) {
	if err == nil {
		c.mu.Lock()
		c.consecutiveIdleTimeouts = 0
		c.mu.Unlock()
		return
	}

	if _, ok := err.(*cdb.FaultError); ok {
		c.Trigger(ctx, commandID, "cdb fault detected during command execution")
		return
	}

	if te, ok := err.(*cdb.TimeoutError); ok && te.Kind == cdb.IdleTimeout {
		c.mu.Lock()
		c.consecutiveIdleTimeouts++
		hit := c.consecutiveIdleTimeouts >= c.cfg.ConsecutiveIdleThreshold
		if hit {
			c.consecutiveIdleTimeouts = 0
		}
		c.mu.Unlock()
		if hit {
			c.Trigger(ctx, commandID, "two consecutive idle timeouts")
		}
		return
	}

	c.mu.Lock()
	c.consecutiveIdleTimeouts = 0
	c.mu.Unlock()
}

// Trigger starts a recovery attempt for reason, unless one is already
// in flight. It returns immediately; the attempt runs in its own
// goroutine, since recovery must not block whichever command-completion
// path detected the fault (§5: "the adapter execute suspends" must stay
// independent of recovery's own suspension points). commandID is the
// command whose outcome triggered this attempt, or "" for a
// manually-initiated one; it is folded into AffectedCommands even
// though the queue has already finalized it by now.
func (c *Controller) Trigger(ctx context.Context, commandID, reason string) {
	c.mu.Lock()
	if c.recovering {
		c.mu.Unlock()
		return
	}
	c.recovering = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.recovering = false
			c.mu.Unlock()
		}()
		c.run(ctx, commandID, reason)
	}()
}

// TriggerAndWait is Trigger's synchronous twin, for explicit
// session-manager-initiated recovery requests that want to observe the
// outcome (§4.5 detection (c)). It still refuses to start a second
// concurrent attempt. Pass "" for commandID when the request is not
// attributable to one specific command.
func (c *Controller) TriggerAndWait(ctx context.Context, commandID, reason string) bool {
	c.mu.Lock()
	if c.recovering {
		c.mu.Unlock()
		return false
	}
	c.recovering = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.recovering = false
		c.mu.Unlock()
	}()
	return c.run(ctx, commandID, reason)
}

func (c *Controller) run(ctx context.Context, commandID, reason string) bool {
	affected := unionCommandID(c.queue.CancelAllIDs("CDB recovery"), commandID)
	c.notify("cancel", reason, true, "cancelled in-flight and queued commands", affected)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.cfg.backoffFor(attempt - 1)
			c.clock.Sleep(backoff)
		}

		if err := c.adapter.Stop(ctx); err != nil {
			obslog.Warn().Str("sessionId", c.sessionID).Err(err).Msg("recovery: adapter stop reported an error, continuing to restart")
		}
		c.notify("stop", reason, true, "stopped the faulted adapter", nil)

		if err := c.adapter.Start(ctx, c.dumpPath, c.symbolsPath); err != nil {
			lastErr = pkgerrors.Wrapf(err, "recovery attempt %d/%d", attempt, c.cfg.MaxAttempts)
			c.notify("restart", reason, false, lastErr.Error(), nil)
			continue
		}

		c.notify("restart", reason, true, "adapter restarted successfully", nil)
		return true
	}

	c.faultHandler.MarkFaulted(pkgerrors.Wrap(lastErr, "recovery attempts exhausted").Error())
	c.notify("faulted", reason, false, "recovery attempts exhausted, session marked Faulted", nil)
	return false
}

// unionCommandID adds commandID to ids if it is not already present.
// CancelAllIDs excludes any command already terminal by the time it
// runs, which is always true of the command whose fault triggered this
// very recovery attempt (finalize() runs before the outcome observer
// fires) — so that id needs adding back by hand to satisfy §6/§8's
// "affectedCommands contains the in-flight and queued ids" contract.
func unionCommandID(ids []string, commandID string) []string {
	if commandID == "" {
		return ids
	}
	for _, id := range ids {
		if id == commandID {
			return ids
		}
	}
	return append(ids, commandID)
}

func (c *Controller) notify(step, reason string, success bool, message string, affected []string) {
	c.sink.NotifySessionRecovery(notify.SessionRecovery{
		SessionID:        c.sessionID,
		Reason:           reason,
		RecoveryStep:     step,
		Success:          success,
		Message:          message,
		AffectedCommands: affected,
		Timestamp:        c.clock.Now(),
	})
}
