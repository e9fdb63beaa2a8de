// Package agent runs the helper process an agent client connects to.
//
// The child is started with the client's socket identifier as its last
// argument. Its stdout and stderr are drained line by line on dedicated
// goroutines and teed to the instance's log and to agent-output events.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/mxu/internal/events"
	"github.com/xfeldman/mxu/internal/logstore"
)

// Config describes the agent child to spawn.
type Config struct {
	ChildExec string   `json:"child_exec"`
	ChildArgs []string `json:"child_args,omitempty"`
	// Identifier is the socket id to connect over; empty lets mxu pick one.
	Identifier string `json:"identifier,omitempty"`
	// TimeoutMs is the connect timeout; -1 waits forever, 0 uses the default.
	TimeoutMs int64 `json:"timeout,omitempty"`
}

// stopGrace bounds how long Stop waits for output pipes to close after the kill.
const stopGrace = 5 * time.Second

// Process is a running or exited agent child.
type Process struct {
	InstanceID string
	Path       string
	Args       []string

	cmd      *exec.Cmd
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

// Options wires a spawned process to its sinks.
type Options struct {
	InstanceID string
	Cwd        string
	Log        *logstore.InstanceLog // may be nil
	Emitter    events.Emitter        // may be nil
}

// ResolveExec returns the path to run for exe: relative names that exist
// under cwd are taken from there, anything else is left to PATH lookup.
func ResolveExec(cwd, exe string) string {
	if exe == "" || filepath.IsAbs(exe) || cwd == "" {
		return exe
	}
	candidate := filepath.Join(cwd, exe)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return exe
}

// Spawn starts cfg's child with identifier appended to its arguments.
func Spawn(cfg Config, identifier string, opts Options) (*Process, error) {
	if cfg.ChildExec == "" {
		return nil, errors.New("agent child_exec is empty")
	}
	path := ResolveExec(opts.Cwd, cfg.ChildExec)
	args := append(append([]string(nil), cfg.ChildArgs...), identifier)

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(),
		"PYTHONIOENCODING=utf-8",
		"PYTHONUTF8=1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &Process{
		InstanceID: opts.InstanceID,
		Path:       path,
		Args:       args,
		cmd:        cmd,
		done:       make(chan struct{}),
	}
	log.Printf("agent: started %s for instance %s (pid %d)", path, opts.InstanceID, cmd.Process.Pid)
	p.note(opts, fmt.Sprintf("started %s %s (pid %d)", path, strings.Join(args, " "), cmd.Process.Pid))

	var drains sync.WaitGroup
	drains.Add(2)
	go p.drain(&drains, stdout, logstore.StreamStdout, opts)
	go p.drain(&drains, stderr, logstore.StreamStderr, opts)
	go p.monitor(&drains, opts)

	return p, nil
}

// drain forwards r line by line. Invalid UTF-8 is replaced, not dropped.
func (p *Process) drain(wg *sync.WaitGroup, r io.Reader, stream string, opts Options) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			p.emit(opts, stream, strings.ToValidUTF8(line, "�"))
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) emit(opts Options, stream, line string) {
	if opts.Log != nil {
		opts.Log.Append(stream, line)
	}
	if opts.Emitter != nil {
		opts.Emitter.Emit(events.AgentOutput, events.AgentOutputPayload{
			InstanceID: opts.InstanceID,
			Stream:     stream,
			Line:       line,
		})
	}
}

func (p *Process) note(opts Options, msg string) {
	if opts.Log != nil {
		opts.Log.Append(logstore.StreamSystem, msg)
	}
}

// monitor reaps the child once both pipes are drained.
func (p *Process) monitor(drains *sync.WaitGroup, opts Options) {
	drains.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	if err != nil {
		log.Printf("agent: %s for instance %s exited: %v", p.Path, p.InstanceID, err)
		p.note(opts, fmt.Sprintf("exited: %v", err))
	} else {
		log.Printf("agent: %s for instance %s exited cleanly", p.Path, p.InstanceID)
		p.note(opts, "exited cleanly")
	}
	close(p.done)
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the child has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the child's exit error once it has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop kills the child and waits for it to be reaped. Safe to call more than
// once and on an already exited child.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		if !p.Exited() {
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Printf("agent: kill pid %d: %v", p.Pid(), err)
			}
		}
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			log.Printf("agent: pid %d still holding its output pipes after kill", p.Pid())
		}
	})
}
