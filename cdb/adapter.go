// Package cdb implements the CDB Adapter (C1): one long-lived CDB
// subprocess, driven over its console stdio, with startup handshake,
// idle/hard command timeouts, and mid-command cancellation.
//
// The adapter is grounded on the teacher's SubprocessCLITransport
// (claude/sdk/transport/subprocess.go) and session_manager.go's PTY-mode
// readPTY loop: a dedicated reader goroutine feeds a line channel, the
// public surface blocks on that channel plus timers, and teardown is the
// same graceful-then-forceful two-phase shutdown the teacher uses for
// its own CLI subprocess.
package cdb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/internal/procexec"
)

// promptPattern matches CDB's interactive prompt, e.g. "0:000>".
var promptPattern = regexp.MustCompile(`\d+:\d+>\s*$`)

// cdbBreakSequence is written to interrupt a running CDB command. CDB
// honors Ctrl-Break on its console; Ctrl-C (ETX) is accepted as an
// equivalent over a pty-backed stdin.
const cdbBreakSequence = "\x03"

// standardCdbInstallPaths are searched, in order, when Config.CdbPath is
// empty (§6: "when absent, auto-detect from standard install locations").
var standardCdbInstallPaths = []string{
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x64\cdb.exe`,
	`C:\Program Files\Windows Kits\10\Debuggers\x64\cdb.exe`,
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x86\cdb.exe`,
	`C:\Debuggers\cdb.exe`,
}

// Adapter owns one CDB subprocess and serializes execution against it.
// It implements the CdbSession data model from §3: processHandle (proc),
// the combined stdio stream (proc, lines), commandMutex (cmdMu),
// currentCancellation (currentGate) and startupComplete (started) have a
// field below; there is no separate currentCommandId field.
type Adapter struct {
	launcher procexec.Launcher
	clock    clock.Clock
	cfg      Config

	cmdMu sync.Mutex // the adapter's command lock; held for execute/executeBatch

	mu          sync.Mutex
	proc        procexec.Process
	alive       bool
	started     bool
	lines       chan string
	currentGate *cancelGate
}

// cancelGate is a close-once signal used to let CancelCurrent interrupt
// whichever run() call currently holds cmdMu, without a second copy of
// the not-alive/grace-window state machine.
type cancelGate struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelGate() *cancelGate { return &cancelGate{ch: make(chan struct{})} }

func (g *cancelGate) trigger() { g.once.Do(func() { close(g.ch) }) }

// New builds an Adapter bound to launcher/clk. cfg's zero-value fields
// are filled with the §5 defaults.
func New(launcher procexec.Launcher, clk clock.Clock, cfg Config) *Adapter {
	return &Adapter{launcher: launcher, clock: clk, cfg: cfg.withDefaults()}
}

func (a *Adapter) cdbPath() string {
	if a.cfg.CdbPath != "" {
		return a.cfg.CdbPath
	}
	for _, p := range standardCdbInstallPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "cdb.exe"
}

// Start spawns CDB against dumpPath (and optional symbolsPath), waits
// startupDelayMs, then polls for the prompt until startupTimeoutMs
// elapses (§4.1 Startup).
func (a *Adapter) Start(ctx context.Context, dumpPath, symbolsPath string) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	args := []string{"-z", dumpPath}
	symPath := symbolsPath
	if symPath == "" {
		symPath = a.cfg.SymbolSearchPath
	}
	if symPath != "" {
		args = append(args, "-y", symPath)
	}

	proc, err := a.launcher.Launch(ctx, procexec.Spec{Path: a.cdbPath(), Args: args})
	if err != nil {
		return &StartError{Reason: err.Error()}
	}

	lines := make(chan string, 256)
	a.mu.Lock()
	a.proc = proc
	a.lines = lines
	a.mu.Unlock()

	go a.readLoop(proc, lines)

	delayTimer := a.clock.NewTimer(a.cfg.StartupDelay)
	defer delayTimer.Stop()
	select {
	case <-delayTimer.C():
	case <-ctx.Done():
		a.killProcess(proc)
		return ctx.Err()
	}

	deadline := a.clock.NewTimer(a.cfg.StartupTimeout)
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				a.setAlive(false)
				return &StartError{Reason: "process exited before reaching prompt"}
			}
			if promptPattern.MatchString(line) {
				a.setAlive(true)
				a.mu.Lock()
				a.started = true
				a.mu.Unlock()
				return nil
			}
		case <-deadline.C():
			a.killProcess(proc)
			return &StartError{Reason: "timed out waiting for initial prompt"}
		case <-ctx.Done():
			a.killProcess(proc)
			return ctx.Err()
		}
	}
}

func (a *Adapter) readLoop(proc procexec.Process, lines chan<- string) {
	r := bufio.NewReader(proc)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			a.setAlive(false)
			close(lines)
			return
		}
	}
}

func (a *Adapter) killProcess(proc procexec.Process) {
	proc.Kill()
	a.setAlive(false)
}

func (a *Adapter) setAlive(v bool) {
	a.mu.Lock()
	a.alive = v
	a.mu.Unlock()
}

// Alive reports whether the adapter considers its CDB process usable.
func (a *Adapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

func (a *Adapter) timeoutFor(commandText string) time.Duration {
	base := a.cfg.BaseCommandTimeout
	if IsComplexCommand(commandText) {
		base = a.cfg.ComplexCommandTimeout
	}
	return time.Duration(float64(base) * a.cfg.PerformanceMultiplier)
}

// Execute runs a single command, classifying its timeout per §4.1.
// cancel is the command's cancel handle (§3 QueuedCommand.cancelHandle);
// closing it is equivalent to calling CancelCurrent for this command.
func (a *Adapter) Execute(ctx context.Context, commandText string, cancel <-chan struct{}) (string, error) {
	return a.run(ctx, commandText, a.timeoutFor(commandText), cancel)
}

// ExecuteBatch runs a synthesized batch script with an explicit,
// caller-computed timeout (§4.4's batchTimeout formula).
func (a *Adapter) ExecuteBatch(ctx context.Context, batchText string, timeout time.Duration, cancel <-chan struct{}) (string, error) {
	return a.run(ctx, batchText, timeout, cancel)
}

func (a *Adapter) run(ctx context.Context, text string, hardTimeout time.Duration, cancel <-chan struct{}) (string, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	if !a.Alive() {
		return "", &FaultError{Reason: "adapter is not alive"}
	}

	a.mu.Lock()
	proc := a.proc
	lines := a.lines
	gate := newCancelGate()
	a.currentGate = gate
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.currentGate = nil
		a.mu.Unlock()
	}()

	sentinel := "CDBDONE_" + strings.ToUpper(uuid.New().String())
	if _, err := proc.Write([]byte(text + "\n.echo " + sentinel + "\n")); err != nil {
		a.setAlive(false)
		return "", &FaultError{Reason: fmt.Sprintf("write failed: %s", err)}
	}

	var buf strings.Builder
	idleTimer := a.clock.NewTimer(a.cfg.IdleTimeout)
	defer idleTimer.Stop()
	hardTimer := a.clock.NewTimer(hardTimeout)
	defer hardTimer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				a.setAlive(false)
				return "", &FaultError{Reason: "cdb process exited mid-command"}
			}
			if strings.TrimSpace(line) == sentinel {
				return strings.TrimRight(buf.String(), "\n"), nil
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C():
				default:
				}
			}
			idleTimer.Reset(a.cfg.IdleTimeout)

		case <-idleTimer.C():
			return "", &TimeoutError{Kind: IdleTimeout, Limit: a.cfg.IdleTimeout}

		case <-hardTimer.C():
			return "", &TimeoutError{Kind: HardTimeout, Limit: hardTimeout}

		case <-cancel:
			return a.handleCancel(proc, lines)

		case <-gate.ch:
			return a.handleCancel(proc, lines)

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// handleCancel implements §4.1 Cancellation: write the break sequence,
// then wait cancelGrace for the prompt to return. Partial output
// collected before or after the break is discarded, never returned.
func (a *Adapter) handleCancel(proc procexec.Process, lines <-chan string) (string, error) {
	proc.Write([]byte(cdbBreakSequence))

	grace := a.clock.NewTimer(a.cfg.CancelGrace)
	defer grace.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				a.setAlive(false)
				return "", &CancelledError{Reason: "command cancelled (cdb process exited)"}
			}
			if promptPattern.MatchString(line) {
				return "", &CancelledError{Reason: "command cancelled"}
			}
		case <-grace.C():
			a.setAlive(false)
			return "", &CancelledError{Reason: "command cancelled (cdb did not return to prompt)"}
		}
	}
}

// CancelCurrent interrupts whichever command is currently executing, if
// any. It is a no-op when the adapter is idle.
func (a *Adapter) CancelCurrent() {
	a.mu.Lock()
	g := a.currentGate
	a.mu.Unlock()
	if g != nil {
		g.trigger()
	}
}

// Stop tears CDB down gracefully (its own "q" quit command) and falls
// back to a forceful kill if it does not exit within disposalGrace.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	wasAlive := a.alive
	a.mu.Unlock()
	if proc == nil {
		return nil
	}

	if wasAlive {
		proc.Write([]byte("q\n"))
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	grace := a.clock.NewTimer(a.cfg.DisposalGrace)
	defer grace.Stop()

	select {
	case <-waitCh:
	case <-grace.C():
		proc.Kill()
		<-waitCh
	case <-ctx.Done():
		proc.Kill()
		<-waitCh
	}

	a.setAlive(false)
	return nil
}
