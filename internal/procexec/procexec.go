// Package procexec is the process-launcher collaborator the CDB adapter
// depends on (§4.7 "Process launcher"). CDB, like the teacher's Claude
// Code CLI, is an interactive console program: the teacher spawns it
// under a pty (github.com/creack/pty) rather than plain os/exec pipes
// when it needs prompt-style interaction (claude/session_manager.go's
// PTY-mode sessions), and that is the path this package generalizes —
// a single pty fd standing in for CDB's combined stdin/stdout console.
package procexec

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Spec describes a process to launch.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is the running-process handle the CDB adapter drives.
type Process interface {
	Pid() int
	io.Writer
	io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits and returns its exit error (nil
	// on a clean exit). It is safe to call exactly once.
	Wait() error
}

// Launcher starts a Process from a Spec.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// PtyLauncher is the production Launcher, backed by creack/pty.
type PtyLauncher struct{}

// Launch starts spec.Path under a pty.
func (PtyLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProcess) Read(b []byte) (int, error) { return p.ptmx.Read(b) }

func (p *ptyProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *ptyProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *ptyProcess) Wait() error {
	err := p.cmd.Wait()
	p.ptmx.Close()
	return err
}
