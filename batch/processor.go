// Package batch implements the Batch Processor (C4): it coalesces
// consecutive eligible commands from one session into a single CDB
// round trip, synthesizes a sentinel-delimited script, and splits the
// combined output back into per-member results.
//
// Grounded on the same sentinel-echo technique cdb.Adapter uses for a
// single command (other_examples/.../iris-networks-terminal_mcp's
// session.go marker-echo pattern), generalized to one start/end marker
// pair per batch member, joined with CDB's "; " command separator the
// way the teacher's claude/sdk composes multi-step tool invocations.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
)

// Adapter is the subset of cdb.Adapter the processor needs.
type Adapter interface {
	ExecuteBatch(ctx context.Context, batchText string, timeout time.Duration, cancel <-chan struct{}) (string, error)
}

// ResultSink is the subset of queue.Queue the processor reports back
// into: marking a member Executing when its batch round trip begins,
// and finalizing it once a result (or error) is known. queue.Queue
// satisfies this structurally; batch never imports queue.
type ResultSink interface {
	MarkExecuting(commandID string)
	Finalize(commandID string, output string, err error)
}

type member struct {
	commandID string
	text      string
	cancel    <-chan struct{}
}

// Processor is one session's coalescing buffer. It is safe for
// concurrent Submit calls.
type Processor struct {
	adapter Adapter
	sink    ResultSink
	clock   clock.Clock
	cfg     Config

	mu     sync.Mutex
	buffer []member
	epoch  int
}

// NewProcessor builds a Processor that executes flushed batches against
// adapter and reports member outcomes to sink.
func NewProcessor(adapter Adapter, sink ResultSink, clk clock.Clock, cfg Config) *Processor {
	return &Processor{adapter: adapter, sink: sink, clock: clk, cfg: cfg}
}

// Eligible reports whether commandText should be routed through this
// processor rather than executed singly.
func (p *Processor) Eligible(commandText string) bool {
	if !p.cfg.EffectivelyEnabled() {
		return false
	}
	return IsEligible(commandText, p.cfg.ExcludedCommands)
}

// Submit appends commandID/commandText to the coalescing buffer. It
// never blocks: the caller (queue.Queue.Enqueue) hands the command off
// and returns immediately; MarkExecuting/Finalize report the outcome
// later on the sink, asynchronously from this call.
func (p *Processor) Submit(commandID, commandText string, cancel <-chan struct{}) {
	p.mu.Lock()
	p.buffer = append(p.buffer, member{commandID: commandID, text: commandText, cancel: cancel})

	if len(p.buffer) >= p.cfg.MaxBatchSize {
		toFlush := p.drainLocked()
		p.mu.Unlock()
		if len(toFlush) > 0 {
			go p.flush(toFlush)
		}
		return
	}

	p.epoch++
	myEpoch := p.epoch
	p.mu.Unlock()

	timer := p.clock.NewTimer(p.cfg.BatchWaitTimeout)
	go p.watch(timer, myEpoch)
}

// watch waits for the debounce window to expire; if a later Submit has
// since bumped the epoch (more members arrived, or a size-triggered
// flush already drained the buffer), this firing is superseded and does
// nothing. Only the most recent Submit's timer ever actually flushes.
func (p *Processor) watch(timer clock.Timer, myEpoch int) {
	<-timer.C()
	p.mu.Lock()
	if p.epoch != myEpoch {
		p.mu.Unlock()
		return
	}
	toFlush := p.drainLocked()
	p.mu.Unlock()
	if len(toFlush) > 0 {
		p.flush(toFlush)
	}
}

func (p *Processor) drainLocked() []member {
	out := p.buffer
	p.buffer = nil
	p.epoch++
	return out
}

// Remove evicts commandID from the pending buffer, if it is still there
// (it will not be if a flush already took it). Used when a Queued
// command is cancelled before its batch fires.
func (p *Processor) Remove(commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.buffer {
		if m.commandID == commandID {
			p.buffer = append(p.buffer[:i], p.buffer[i+1:]...)
			p.epoch++
			return true
		}
	}
	return false
}

// flush synthesizes, executes, and splits one batch round trip.
func (p *Processor) flush(members []member) {
	for _, m := range members {
		p.sink.MarkExecuting(m.commandID)
	}

	sentinel := p.cfg.sentinel()
	markers := make(map[string]markerPair, len(members))
	script := synthesize(sentinel, members, markers)
	timeout := p.batchTimeout(len(members))

	done := make(chan struct{})
	cancel := mergeCancel(members, done)

	out, err := p.adapter.ExecuteBatch(context.Background(), script, timeout, cancel)
	close(done)

	if err != nil {
		for _, m := range members {
			p.sink.Finalize(m.commandID, "", err)
		}
		return
	}

	for _, m := range members {
		output, splitErr := splitMember(out, m.commandID, markers[m.commandID])
		if splitErr != nil {
			p.sink.Finalize(m.commandID, "", splitErr)
			continue
		}
		p.sink.Finalize(m.commandID, output, nil)
	}
}

// batchTimeout implements §4.4's formula: min(maxBatchTimeoutMinutes,
// baseCommandTimeout * memberCount * batchTimeoutMultiplier).
func (p *Processor) batchTimeout(memberCount int) time.Duration {
	ceiling := time.Duration(p.cfg.MaxBatchTimeoutMinutes) * time.Minute
	scaled := time.Duration(float64(p.cfg.BaseCommandTimeout) * float64(memberCount) * p.cfg.BatchTimeoutMultiplier)
	if ceiling > 0 && scaled > ceiling {
		return ceiling
	}
	return scaled
}

type markerPair struct {
	start string
	end   string
}

// synthesize builds the combined script: each member becomes
// ".echo <sep>_<ID>_START ; <command> ; .echo <sep>_<ID>_END", joined
// with "; " (§4.4, §6).
func synthesize(sentinel string, members []member, markers map[string]markerPair) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		upper := strings.ToUpper(m.commandID)
		mk := markerPair{
			start: fmt.Sprintf("%s_%s_START", sentinel, upper),
			end:   fmt.Sprintf("%s_%s_END", sentinel, upper),
		}
		markers[m.commandID] = mk
		parts = append(parts, fmt.Sprintf(".echo %s ; %s ; .echo %s", mk.start, m.text, mk.end))
	}
	return strings.Join(parts, "; ")
}

// splitMember locates mk's start marker, then the first end marker that
// follows it, and returns the text in between.
func splitMember(output string, commandID string, mk markerPair) (string, error) {
	startIdx := strings.Index(output, mk.start)
	if startIdx < 0 {
		return "", &SplitError{CommandID: commandID}
	}
	afterStart := startIdx + len(mk.start)
	rel := strings.Index(output[afterStart:], mk.end)
	if rel < 0 {
		return "", &SplitError{CommandID: commandID}
	}
	segment := output[afterStart : afterStart+rel]
	return strings.Trim(segment, "\r\n"), nil
}

// mergeCancel fans in every member's individual cancel handle into one
// channel: cancelling any member cancels the whole in-flight batch, per
// §4.4 ("a cancel request against any batch member cancels the batch").
// The watcher goroutines exit once done closes, whether or not they ever
// saw a cancellation.
func mergeCancel(members []member, done <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	var once sync.Once
	for _, m := range members {
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				once.Do(func() { close(out) })
			case <-done:
			}
		}(m.cancel)
	}
	return out
}
