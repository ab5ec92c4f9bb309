package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

const (
	maxLineSize   = 16 << 20
	maxStderrSize = 64 << 10
)

// Process describes one CLI invocation that speaks line-delimited JSON on
// stdout.
type Process struct {
	// Backend names the adapter in classified errors.
	Backend string
	Path    string
	Args    []string
	Dir     string
	// Env is appended to the inherited environment. CLAUDECODE is always
	// removed so a nested CLI does not detect the parent session.
	Env []string
	// Interactive keeps stdin open so the handler can write replies.
	Interactive bool
	// InitialInput is written to stdin as JSON lines right after start.
	// Only used when Interactive is set.
	InitialInput []any
	// WaitDelay bounds how long Wait waits for I/O after the process is
	// killed. Defaults to five seconds.
	WaitDelay time.Duration
	Logger    logging.Logger
}

// Input is the stdin side of an interactive process.
type Input struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

// Send writes v as one JSON line.
func (in *Input) Send(v any) error {
	if in == nil {
		return errors.New("process input is not interactive")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write to process stdin: %w", err)
	}
	return nil
}

// Close closes stdin, signalling end of input.
func (in *Input) Close() error {
	if in == nil {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.w.Close()
}

// LineHandler receives each JSON object printed on stdout, in order. in is
// nil unless the process is interactive. Returning an error kills the
// process and is returned from Run unchanged.
type LineHandler func(line json.RawMessage, in *Input) error

// ExitInfo summarises a finished process.
type ExitInfo struct {
	Stderr  string
	Lines   int
	Skipped int
}

// Run starts the process, feeds every JSON stdout line to handle and waits for
// exit. Non-JSON lines are skipped. Stdout and stderr are drained
// concurrently. When ctx is done the process is killed before Run returns.
//
// Failures are returned as *core.BackendError.
func (p *Process) Run(ctx context.Context, handle LineHandler) (*ExitInfo, error) {
	logger := p.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.Path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(filterEnv(os.Environ(), "CLAUDECODE"), p.Env...)
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	configureKill(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.NewBackendError(core.FailureProcess, p.Backend, "failed to open stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, core.NewBackendError(core.FailureProcess, p.Backend, "failed to open stderr", err)
	}

	var in *Input
	if p.Interactive {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, core.NewBackendError(core.FailureProcess, p.Backend, "failed to open stdin", err)
		}
		in = &Input{w: w, enc: json.NewEncoder(w)}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, core.NewBackendError(core.FailureInvalidArgument, p.Backend, fmt.Sprintf("executable %q not found", p.Path), err)
		}
		return nil, core.NewBackendError(core.FailureProcess, p.Backend, "failed to start process", err)
	}

	logger.Debug("Process started", "backend", p.Backend, "pid", cmd.Process.Pid, "dir", p.Dir)

	for _, v := range p.InitialInput {
		if err := in.Send(v); err != nil {
			cancel()
			_ = cmd.Wait()
			return nil, core.NewBackendError(core.FailureConnection, p.Backend, "failed to send input", err)
		}
	}

	info := &ExitInfo{}
	errBuf := &limitedBuffer{limit: maxStderrSize}

	var (
		g          errgroup.Group
		handlerErr error
		scanErr    error
	)

	g.Go(func() error {
		_, err := io.Copy(errBuf, stderr)
		return err
	})

	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			if line[0] != '{' || !json.Valid(line) {
				info.Skipped++
				logger.Debug("Skipping non-JSON stdout line", "backend", p.Backend, "line", clip(string(line), 200))
				continue
			}
			info.Lines++

			if err := handle(json.RawMessage(bytes.Clone(line)), in); err != nil {
				handlerErr = err
				cancel()
				break
			}
		}

		if err := scanner.Err(); err != nil && handlerErr == nil {
			scanErr = err
			cancel()
		}

		// Drain so the process never blocks on a full pipe after we stop reading.
		_, _ = io.Copy(io.Discard, stdout)
		return nil
	})

	_ = g.Wait()
	waitErr := cmd.Wait()
	_ = in.Close()

	info.Stderr = errBuf.String()

	switch {
	case handlerErr != nil:
		return info, handlerErr
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return info, core.NewBackendError(core.FailureTimeout, p.Backend, "process timed out", ctx.Err())
		}
		return info, core.NewBackendError(core.FailureCancelled, p.Backend, "process cancelled", ctx.Err())
	case scanErr != nil:
		return info, core.NewBackendError(core.FailureDecode, p.Backend, "failed to read process output", scanErr)
	case waitErr != nil:
		return info, ClassifyExit(p.Backend, waitErr, info.Stderr)
	}

	return info, nil
}

var resetRe = regexp.MustCompile(`(?i)reset at (\d+\s*[ap]m)`)

// ClassifyExit turns a non-zero exit into a classified error using the
// well-known stderr messages of the supported CLIs.
func ClassifyExit(backend string, waitErr error, stderr string) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "usage limit reached"):
		reset := "later"
		if m := resetRe.FindStringSubmatch(stderr); m != nil {
			reset = m[1]
		}
		return core.NewBackendError(core.FailureProcess, backend, "usage limit reached, resets at "+reset, waitErr)
	case strings.Contains(lower, "no conversation found"):
		return core.NewBackendError(core.FailureSessionNotFound, backend, "session not found", waitErr)
	case strings.Contains(lower, "mcp"):
		return core.NewBackendError(core.FailureProcess, backend, "MCP server error: "+clip(stderr, 500), waitErr)
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	return core.NewBackendError(core.FailureProcess, backend, fmt.Sprintf("exited with code %d: %s", exitCode, clip(stderr, 500)), waitErr)
}

func filterEnv(env []string, drop ...string) []string {
	out := make([]string, 0, len(env))
next:
	for _, kv := range env {
		for _, d := range drop {
			if strings.HasPrefix(kv, d+"=") {
				continue next
			}
		}
		out = append(out, kv)
	}
	return out
}

type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
