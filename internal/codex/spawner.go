package codex

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is a running app-server.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It is called once, after Stdout
	// and Stderr have been read to EOF.
	Wait() error
	// Kill terminates the process and everything it started.
	Kill() error
	Pid() int
}

// Spawner starts app-server processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner runs the app-server as an OS subprocess.
type ExecSpawner struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// DefaultCommand is the executable started when ExecSpawner.Command is empty.
const DefaultCommand = "codex"

// DefaultArgs are the arguments used when ExecSpawner.Args is nil.
var DefaultArgs = []string{"app-server"}

// Spawn starts the subprocess in its own process group. ctx bounds only the
// start; the process outlives it.
func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	command := s.Command
	if command == "" {
		command = DefaultCommand
	}
	args := s.Args
	if args == nil {
		args = DefaultArgs
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = s.Dir
	cmd.Env = os.Environ()
	for k, v := range s.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

// Kill signals the whole process group.
func (p *execProcess) Kill() error {
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
