package permission

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hupe1980/agentrelay/logging"
)

// Violation is a tool call rejected by a Validator.
type Violation struct {
	Tool   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("tool %s rejected: %s", v.Tool, v.Reason)
}

type dangerousPattern struct {
	re    *regexp.Regexp
	label string
}

// Matched against the lower-cased command.
var dangerousPatterns = []dangerousPattern{
	{regexp.MustCompile(`\brm\s+-rf\s+/`), "rm -rf /"},
	{regexp.MustCompile(`\bsudo\b`), "sudo"},
	{regexp.MustCompile(`\bchmod\s+777\b`), "chmod 777"},
	{regexp.MustCompile(`\bnetcat\b`), "netcat"},
	{regexp.MustCompile(`\bnc\s+-[elp]`), "nc (reverse shell)"},
	{regexp.MustCompile(`\bmkfs\b`), "mkfs"},
	{regexp.MustCompile(`\bdd\s+if=`), "dd"},
	{regexp.MustCompile(`:\(\)\s*\{.*\|.*&\s*\}\s*;`), "fork bomb"},
}

var fileTools = map[string][]string{
	"Read":         {"file_path", "path"},
	"Write":        {"file_path", "path"},
	"Edit":         {"file_path", "path"},
	"MultiEdit":    {"file_path", "path"},
	"NotebookEdit": {"notebook_path", "file_path"},
}

// ValidatorOptions configures a Validator.
type ValidatorOptions struct {
	// DisallowedTools are rejected outright.
	DisallowedTools []string
	// ApprovedDirectory is accepted as a file root in addition to the
	// scope's working directory. Empty accepts the working directory only.
	ApprovedDirectory string
	Logger            logging.Logger
}

// Validator audits tool calls before they run: disallowed tools, file
// paths escaping the working directory and dangerous shell commands.
//
// Validator is safe for concurrent use.
type Validator struct {
	disallowed  map[string]struct{}
	approvedDir string
	logger      *logging.RelayLogger
}

// NewValidator creates a Validator.
func NewValidator(optFns ...func(o *ValidatorOptions)) *Validator {
	opts := ValidatorOptions{Logger: logging.NoOpLogger{}}

	for _, fn := range optFns {
		fn(&opts)
	}

	v := &Validator{
		disallowed: make(map[string]struct{}, len(opts.DisallowedTools)),
		logger:     logging.NewRelayLogger(opts.Logger).WithComponent("validator"),
	}
	for _, t := range opts.DisallowedTools {
		v.disallowed[t] = struct{}{}
	}
	if opts.ApprovedDirectory != "" {
		if abs, err := filepath.Abs(opts.ApprovedDirectory); err == nil {
			v.approvedDir = abs
		}
	}

	return v
}

// Validate returns a *Violation when the call must not run.
func (v *Validator) Validate(tool string, input map[string]any, workingDirectory string) error {
	violation := v.check(tool, input, workingDirectory)
	if violation == nil {
		return nil
	}

	v.logger.Warn("Tool call rejected", "tool", tool, "reason", violation.Reason, "working_directory", workingDirectory)

	return violation
}

func (v *Validator) check(tool string, input map[string]any, workingDirectory string) *Violation {
	if _, ok := v.disallowed[tool]; ok {
		return &Violation{Tool: tool, Reason: "tool is disallowed"}
	}

	if keys, ok := fileTools[tool]; ok {
		path := firstString(input, keys...)
		if path == "" {
			return &Violation{Tool: tool, Reason: "file path required"}
		}
		if !v.pathAllowed(path, workingDirectory) {
			return &Violation{Tool: tool, Reason: "path outside working directory: " + path}
		}
	}

	if tool == "Bash" {
		cmd := strings.ToLower(firstString(input, "command"))
		for _, p := range dangerousPatterns {
			if p.re.MatchString(cmd) {
				return &Violation{Tool: tool, Reason: "dangerous command pattern: " + p.label}
			}
		}
	}

	return nil
}

func (v *Validator) pathAllowed(path, workingDirectory string) bool {
	wd, err := filepath.Abs(workingDirectory)
	if err != nil {
		return false
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(wd, target)
	}
	target = filepath.Clean(target)

	if Within(wd, target) {
		return true
	}

	return v.approvedDir != "" && Within(v.approvedDir, target)
}

// Within reports whether target equals root or lies beneath it. Both paths
// must be absolute and clean.
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func firstString(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
