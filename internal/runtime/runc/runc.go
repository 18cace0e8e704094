//go:build linux
// +build linux

// Package runc drives the runc binary as the container supervisor. Init and
// exec processes run as direct children of the agent, so exit codes come
// from ordinary process reaping rather than from runc state files.
package runc

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/containerd/console"
	oci "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/virtshim/guestagent/internal/jsonio"
	"github.com/virtshim/guestagent/internal/log"
	"github.com/virtshim/guestagent/internal/logfields"
	"github.com/virtshim/guestagent/internal/runtime"
	"github.com/virtshim/guestagent/internal/stdio"
)

const runcPath = "runc"

// Runtime is the runc-backed implementation of runtime.Runtime.
type Runtime struct {
	stateRoot   string
	logBasePath string
}

var _ runtime.Runtime = &Runtime{}

// NewRuntime builds a Runtime keeping runc state under `stateRoot` and runc
// logs under `logBasePath`.
func NewRuntime(stateRoot, logBasePath string) (*Runtime, error) {
	r := &Runtime{stateRoot: stateRoot, logBasePath: logBasePath}
	for _, p := range []string{stateRoot, logBasePath} {
		if err := os.MkdirAll(p, 0700); err != nil {
			return nil, errors.Wrapf(err, "failed to create runtime directory %s", p)
		}
	}
	// Reap grandchildren that double-fork away from runc.
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return nil, errors.Wrap(err, "failed to set child subreaper")
	}
	return r, nil
}

func (r *Runtime) command(id string, args ...string) *exec.Cmd {
	base := []string{
		"--root", r.stateRoot,
		"--log", filepath.Join(r.logBasePath, id+".log"),
		"--log-format", "json",
	}
	return exec.Command(runcPath, append(base, args...)...)
}

// parseRuncError extracts the last json log line runc printed, which holds
// the human-readable failure.
func parseRuncError(out string) error {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var entry struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &entry); err == nil && entry.Msg != "" {
			return errors.New(entry.Msg)
		}
	}
	return errors.New(strings.TrimSpace(out))
}

// CreateContainer prepares a `runc run` invocation for the bundle without
// starting it. The init process becomes a direct child on Start.
func (r *Runtime) CreateContainer(ctx context.Context, id string, bundlePath string, stdioSet *stdio.ConnectionSet) (runtime.Container, error) {
	var spec oci.Spec
	if err := jsonio.Read(filepath.Join(bundlePath, "config.json"), &spec); err != nil {
		return nil, err
	}
	terminal := spec.Process != nil && spec.Process.Terminal

	cmd := r.command(id, "run", "--bundle", bundlePath, id)
	p, err := newProcess(cmd, terminal, stdioSet)
	if err != nil {
		return nil, err
	}
	return &container{id: id, rt: r, init: p}, nil
}

// ListContainerStates returns the state of every container runc knows.
func (r *Runtime) ListContainerStates(ctx context.Context) ([]runtime.ContainerState, error) {
	cmd := r.command("list", "list", "-f", "json")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(parseRuncError(string(out)), "runc list failed with %v", err)
	}
	var entries []struct {
		ID     string `json:"id"`
		Pid    int    `json:"pid"`
		Status string `json:"status"`
		Bundle string `json:"bundle"`
	}
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal runc list output")
	}
	states := make([]runtime.ContainerState, 0, len(entries))
	for _, e := range entries {
		states = append(states, runtime.ContainerState{
			ID:         e.ID,
			Pid:        e.Pid,
			BundlePath: e.Bundle,
			Status:     e.Status,
		})
	}
	return states, nil
}

type container struct {
	id   string
	rt   *Runtime
	init *process
}

var _ runtime.Container = &container{}

func (c *container) ID() string            { return c.id }
func (c *container) Init() runtime.Process { return c.init }

func (c *container) Start(ctx context.Context) error {
	return c.init.start(ctx)
}

func (c *container) ExecProcess(ctx context.Context, procSpec *oci.Process, stdioSet *stdio.ConnectionSet) (runtime.Process, error) {
	procFile, err := os.CreateTemp("", "agent-exec-*.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create exec process file")
	}
	procPath := procFile.Name()
	procFile.Close()
	if err := jsonio.Write(procPath, procSpec); err != nil {
		os.Remove(procPath)
		return nil, err
	}

	cmd := c.rt.command(c.id, "exec", "--process", procPath, c.id)
	p, err := newProcess(cmd, procSpec.Terminal, stdioSet)
	if err != nil {
		os.Remove(procPath)
		return nil, err
	}
	if err := p.start(ctx); err != nil {
		os.Remove(procPath)
		return nil, err
	}
	// The process file is only read on exec startup.
	go func() {
		_, _ = p.Wait(context.Background())
		os.Remove(procPath)
	}()
	return p, nil
}

// signalArg renders a signal the way runc kill expects it, as the SIGKILL
// style name or the raw number. syscall.Signal.String would produce the
// human description ("killed"), which runc rejects.
func signalArg(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return strconv.Itoa(int(sig))
}

func (c *container) killCommand(sig syscall.Signal) *exec.Cmd {
	return c.rt.command(c.id, "kill", c.id, signalArg(sig))
}

func (c *container) Kill(ctx context.Context, sig syscall.Signal) error {
	cmd := c.killCommand(sig)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(parseRuncError(string(out)), "runc kill failed with %v", err)
	}
	return nil
}

func (c *container) State(ctx context.Context) (*runtime.ContainerState, error) {
	cmd := c.rt.command(c.id, "state", c.id)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(parseRuncError(string(out)), "runc state failed with %v", err)
	}
	var state struct {
		ID     string `json:"id"`
		Pid    int    `json:"pid"`
		Status string `json:"status"`
		Bundle string `json:"bundle"`
	}
	if err := json.Unmarshal(out, &state); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal runc state output")
	}
	return &runtime.ContainerState{
		ID:         state.ID,
		Pid:        state.Pid,
		BundlePath: state.Bundle,
		Status:     state.Status,
	}, nil
}

func (c *container) Delete(ctx context.Context, timeout uint32) error {
	args := []string{"delete"}
	if timeout != 0 {
		args = append(args, "--force")
	}
	args = append(args, c.id)
	cmd := c.rt.command(c.id, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(parseRuncError(string(out)), "runc delete failed with %v", err)
	}
	c.init.release(ctx)
	return nil
}

// process wraps one runc child. For terminal processes the child talks to a
// pty slave and the master side is relayed to the host connections.
type process struct {
	cmd      *exec.Cmd
	tty      console.Console
	stdioSet *stdio.ConnectionSet

	started  bool
	exited   chan struct{}
	exitCode int
	waitErr  error
}

var _ runtime.Process = &process{}

func newProcess(cmd *exec.Cmd, terminal bool, stdioSet *stdio.ConnectionSet) (*process, error) {
	p := &process{cmd: cmd, stdioSet: stdioSet, exited: make(chan struct{})}

	if terminal {
		master, slavePath, err := console.NewPty()
		if err != nil {
			return nil, errors.Wrap(err, "failed to allocate terminal")
		}
		slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
		if err != nil {
			master.Close()
			return nil, errors.Wrapf(err, "failed to open terminal %s", slavePath)
		}
		cmd.Stdin = slave
		cmd.Stdout = slave
		cmd.Stderr = slave
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: int(slave.Fd())}
		p.tty = master
		// The child holds its own handle once started; ours closes after
		// the relays wire up in start.
		go func() {
			<-p.exited
			slave.Close()
		}()
		return p, nil
	}

	if stdioSet != nil {
		if stdioSet.In != nil {
			cmd.Stdin = stdioSet.In
		}
		if stdioSet.Out != nil {
			cmd.Stdout = stdioSet.Out
		}
		if stdioSet.Err != nil {
			cmd.Stderr = stdioSet.Err
		}
	}
	return p, nil
}

func (p *process) start(ctx context.Context) error {
	if p.started {
		return errors.New("process already started")
	}
	if err := p.cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start runc")
	}
	p.started = true

	if p.tty != nil && p.stdioSet != nil {
		if in := p.stdioSet.In; in != nil {
			go func() {
				_, _ = io.Copy(p.tty, in)
			}()
		}
		if out := p.stdioSet.Out; out != nil {
			go func() {
				_, _ = io.Copy(out, p.tty)
			}()
		}
	}

	go func() {
		err := p.cmd.Wait()
		p.exitCode = exitCodeFromError(err)
		if err != nil && p.exitCode < 0 {
			p.waitErr = err
		}
		close(p.exited)
		if p.stdioSet != nil {
			if cerr := p.stdioSet.Close(); cerr != nil {
				log.G(context.Background()).WithError(cerr).Debug("failed to close stdio connections")
			}
		}
		if p.tty != nil {
			p.tty.Close()
		}
	}()
	return nil
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

func (p *process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *process) Signal(ctx context.Context, sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return runtime.ErrContainerNotRunning
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return errors.Wrapf(err, "failed to signal pid %d", p.cmd.Process.Pid)
	}
	return nil
}

func (p *process) Console() console.Console {
	return p.tty
}

func (p *process) Delete(ctx context.Context) error {
	p.release(ctx)
	return nil
}

func (p *process) release(ctx context.Context) {
	if p.stdioSet != nil {
		if err := p.stdioSet.Close(); err != nil {
			log.G(ctx).WithField(logfields.ProcessID, p.Pid()).
				WithError(err).Debug("failed to close stdio on release")
		}
	}
	if p.tty != nil {
		p.tty.Close()
	}
}

