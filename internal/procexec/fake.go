package procexec

import (
	"context"
	"io"
	"os"
	"sync"
)

// FakeProcess is a scriptable Process for tests, grounded on the teacher's
// "inject a test transport" pattern (NewClaudeSDKClientWithTransport):
// the adapter is driven against a pipe instead of a real CDB binary.
type FakeProcess struct {
	pid int

	mu       sync.Mutex
	written  [][]byte
	killed   bool
	signaled []os.Signal

	outR *io.PipeReader
	outW *io.PipeWriter

	exitCh chan error
}

// NewFakeProcess creates a FakeProcess. Write output for the adapter to
// read via Feed; end the process via Exit.
func NewFakeProcess(pid int) *FakeProcess {
	r, w := io.Pipe()
	return &FakeProcess{
		pid:    pid,
		outR:   r,
		outW:   w,
		exitCh: make(chan error, 1),
	}
}

func (f *FakeProcess) Pid() int { return f.pid }

func (f *FakeProcess) Write(b []byte) (int, error) {
	f.mu.Lock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.written = append(f.written, cp)
	f.mu.Unlock()
	return len(b), nil
}

func (f *FakeProcess) Read(b []byte) (int, error) { return f.outR.Read(b) }

func (f *FakeProcess) Signal(sig os.Signal) error {
	f.mu.Lock()
	f.signaled = append(f.signaled, sig)
	f.mu.Unlock()
	return nil
}

func (f *FakeProcess) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.outW.CloseWithError(io.ErrClosedPipe)
	select {
	case f.exitCh <- nil:
	default:
	}
	return nil
}

func (f *FakeProcess) Wait() error { return <-f.exitCh }

// Feed writes s to the process's simulated output stream, as if CDB had
// printed it.
func (f *FakeProcess) Feed(s string) { f.outW.Write([]byte(s)) }

// Exit simulates the process terminating with the given error (nil for a
// clean exit).
func (f *FakeProcess) Exit(err error) {
	f.outW.CloseWithError(io.EOF)
	select {
	case f.exitCh <- err:
	default:
	}
}

// WrittenCommands returns every byte slice written to the process's stdin,
// in order.
func (f *FakeProcess) WrittenCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}

// Killed reports whether Kill was called.
func (f *FakeProcess) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// Signals returns every signal delivered via Signal, in order.
func (f *FakeProcess) Signals() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]os.Signal, len(f.signaled))
	copy(out, f.signaled)
	return out
}

// FakeLauncher is a scriptable Launcher for tests: each Launch returns
// the FakeProcess built by the NewProcessFn factory if set, or a fresh
// FakeProcess otherwise.
type FakeLauncher struct {
	mu           sync.Mutex
	NewProcessFn func(spec Spec) *FakeProcess
	nextPid      int
	Launched     []Spec
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{nextPid: 1000}
}

func (l *FakeLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	l.mu.Lock()
	l.Launched = append(l.Launched, spec)
	l.nextPid++
	pid := l.nextPid
	fn := l.NewProcessFn
	l.mu.Unlock()

	if fn != nil {
		return fn(spec), nil
	}
	return NewFakeProcess(pid), nil
}
