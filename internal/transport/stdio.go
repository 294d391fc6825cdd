package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/wisbric/mcprouter/internal/rpc"
	"github.com/wisbric/mcprouter/internal/telemetry"
)

// StdioDriver owns exactly one long-lived child process, communicating over
// line-delimited JSON on its stdin/stdout. Only one request is in flight at
// a time; a driver-wide mutex enforces this since line framing cannot be
// demultiplexed. The child is respawned lazily whenever it is found dead.
type StdioDriver struct {
	command string
	args    []string
	logger  *slog.Logger
	name    string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// NewStdioDriver builds a driver that spawns command/args on first call.
func NewStdioDriver(name, command string, args []string, logger *slog.Logger) *StdioDriver {
	return &StdioDriver{name: name, command: command, args: args, logger: logger}
}

// Call implements Driver.
func (d *StdioDriver) Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil || d.cmd.ProcessState != nil {
		if err := d.spawn(); err != nil {
			return nil, fmt.Errorf("spawning stdio upstream %q: %w", d.name, err)
		}
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	line = append(line, '\n')

	if _, err := d.stdin.Write(line); err != nil {
		d.discard()
		return nil, fmt.Errorf("writing to stdio upstream %q: %w", d.name, err)
	}

	respLine, err := d.stdout.ReadBytes('\n')
	if err != nil || len(respLine) == 0 {
		d.discard()
		if err == nil {
			err = fmt.Errorf("empty response")
		}
		return nil, fmt.Errorf("reading from stdio upstream %q: %w", d.name, err)
	}

	var resp rpc.Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("parsing response from stdio upstream %q: %w", d.name, err)
	}
	return &resp, nil
}

// spawn starts the child process. Caller must hold d.mu.
func (d *StdioDriver) spawn() error {
	cmd := exec.Command(d.command, d.args...)
	cmd.Stderr = os.Stderr // inherited by the router process; never parsed

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting child process: %w", err)
	}

	if d.cmd != nil {
		d.logger.Warn("respawning stdio upstream child process", "upstream", d.name)
		telemetry.StdioRespawnsTotal.WithLabelValues(d.name).Inc()
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	return nil
}

// discard marks the current child as unusable; the next call respawns it.
// Caller must hold d.mu.
func (d *StdioDriver) discard() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil
}
