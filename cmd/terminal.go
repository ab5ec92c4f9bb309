package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/permission"
)

// terminal renders stream updates and asks for approvals on stdin.
type terminal struct {
	in          io.Reader
	out         io.Writer
	autoApprove bool

	once  sync.Once
	lines chan string

	midLine bool
}

func newTerminal(in io.Reader, out io.Writer, autoApprove bool) *terminal {
	return &terminal{in: in, out: out, autoApprove: autoApprove}
}

// readLine returns the next input line. ok is false on EOF or when ctx is
// done.
func (t *terminal) readLine(ctx context.Context) (line string, ok bool) {
	t.once.Do(func() {
		t.lines = make(chan string)
		go func() {
			defer close(t.lines)
			sc := bufio.NewScanner(t.in)
			for sc.Scan() {
				t.lines <- sc.Text()
			}
		}()
	})

	select {
	case line, ok = <-t.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

// updates returns the update callback for one submit. Approval requests are
// answered through resolve.
func (t *terminal) updates(ctx context.Context, resolve func(requestID string, d core.Decision)) func(core.StreamUpdate) {
	return func(u core.StreamUpdate) {
		switch v := u.(type) {
		case core.AssistantText:
			fmt.Fprint(t.out, v.Text)
			t.midLine = !strings.HasSuffix(v.Text, "\n")
		case core.ToolCall:
			t.endLine()
			switch v.Status {
			case "requested":
				fmt.Fprintf(t.out, "-> %s %s\n", v.Name, permission.SummarizeInput(v.Name, v.Input))
			case "failed":
				fmt.Fprintf(t.out, "!! %s failed\n", v.Name)
			}
		case core.SystemInfo:
			if v.Message != "" {
				t.endLine()
				fmt.Fprintf(t.out, "[%s] %s\n", v.Subtype, v.Message)
			}
		case core.PermissionRequest:
			t.endLine()
			resolve(v.Request.RequestID, t.askApproval(ctx, v.Request))
		case core.FinalResult:
			t.endLine()
		}
	}
}

func (t *terminal) endLine() {
	if t.midLine {
		fmt.Fprintln(t.out)
		t.midLine = false
	}
}

func (t *terminal) askApproval(ctx context.Context, req core.ApprovalRequest) core.Decision {
	fmt.Fprintf(t.out, "Permission requested [%s]: %s\n", req.RequestID, req.ToolName)

	if rendered, err := renderInput(req.ToolInput); err == nil && rendered != "" {
		for _, l := range strings.Split(strings.TrimRight(rendered, "\n"), "\n") {
			fmt.Fprintf(t.out, "    %s\n", l)
		}
	}

	if t.autoApprove {
		fmt.Fprintln(t.out, "auto-approved")
		return core.DecisionAllow
	}

	fmt.Fprint(t.out, "Allow? [y]es / [a]lways / [N]o: ")

	line, ok := t.readLine(ctx)
	if !ok {
		fmt.Fprintln(t.out)
		return core.DecisionDeny
	}

	return parseAnswer(line)
}

func parseAnswer(s string) core.Decision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return core.DecisionAllow
	case "a", "all", "always":
		return core.DecisionAllowAll
	default:
		return core.ParseDecision(s)
	}
}

func renderInput(input map[string]any) (string, error) {
	if len(input) == 0 {
		return "", nil
	}
	b, err := yaml.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to render tool input: %w", err)
	}
	return string(b), nil
}

func (t *terminal) printSummary(res *core.Result) {
	backendName := res.Backend
	if res.FellBack {
		backendName += " (fallback)"
	}
	fmt.Fprintf(t.out, "[%s | session %s | %d turns | $%.4f | %s]\n",
		backendName, res.SessionID, res.Turns, res.Cost, res.Duration.Round(time.Millisecond))
}

// describeError turns a dispatch failure into a message for the user.
func describeError(err error) string {
	de, ok := core.AsDispatchError(err)
	if !ok {
		return "Error: " + err.Error()
	}

	switch de.Kind {
	case core.KindBusy:
		return "A request is already running. Wait for it or cancel it."
	case core.KindCancelled:
		return "Cancelled."
	case core.KindRetryableExhausted:
		return fmt.Sprintf("The %s backend is unavailable (%s). Please try again.", de.Backend, de.Class)
	case core.KindFatalInput:
		return "Request rejected: " + de.Message
	case core.KindFatalApproval:
		return "Permission denied: " + de.Message
	default:
		return fmt.Sprintf("Backend error (%s): %s", de.Backend, de.Message)
	}
}
