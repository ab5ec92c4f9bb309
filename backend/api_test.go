package backend

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func TestPriceTable_Cost(t *testing.T) {
	table := PriceTable{
		"gpt-4o":      {Input: 2.5, Output: 10},
		"gpt-4o-mini": {Input: 0.15, Output: 0.6},
	}

	assert.InDelta(t, 0.15+0.6, table.Cost("gpt-4o-mini-2024", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 12.5, table.Cost("gpt-4o", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, table.Cost("unknown", 1_000_000, 1_000_000))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, core.FailurePermission, ClassifyStatus(http.StatusUnauthorized))
	assert.Equal(t, core.FailureConnection, ClassifyStatus(http.StatusTooManyRequests))
	assert.Equal(t, core.FailureConnection, ClassifyStatus(529))
	assert.Equal(t, core.FailureTimeout, ClassifyStatus(http.StatusRequestTimeout))
	assert.Equal(t, core.FailureValidation, ClassifyStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, core.FailureInvalidArgument, ClassifyStatus(http.StatusBadRequest))
}

func TestLoadImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, png, 0o600))

	data, mt, err := LoadImage(core.Image{Path: path})
	require.NoError(t, err)
	assert.Equal(t, png, data)
	assert.Equal(t, "image/png", mt)

	_, mt, err = LoadImage(core.Image{Data: []byte("x"), MediaType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mt)

	_, _, err = LoadImage(core.Image{})
	assert.Error(t, err)

	assert.Equal(t, "data:image/png;base64,eA==", DataURL([]byte("x"), "image/png"))
}

func TestSystemPrompt(t *testing.T) {
	render := func(base string, data PromptData) string {
		t.Helper()
		out, err := SystemPrompt(base, data)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, "base", render("base", PromptData{}))
	assert.Equal(t, "The user's current working directory is /src.", render("", PromptData{WorkingDirectory: "/src"}))
	assert.Equal(t, "base\n\nThe user's current working directory is /src.", render("base", PromptData{WorkingDirectory: "/src"}))

	t.Run("template", func(t *testing.T) {
		out := render("You are {{.Model}} working in {{.WorkingDirectory}}.", PromptData{WorkingDirectory: "/src", Model: "gpt-4o"})
		assert.Equal(t, "You are gpt-4o working in /src.", out)
	})

	t.Run("helpers", func(t *testing.T) {
		out := render("{{upper .Backend}} {{default \"none\" .Model}}", PromptData{Backend: "openai"})
		assert.Equal(t, "OPENAI none", out)
	})

	t.Run("invalid template", func(t *testing.T) {
		_, err := SystemPrompt("{{.Model", PromptData{Backend: "openai"})
		require.Error(t, err)
		assert.Equal(t, core.FailureInvalidArgument, core.Classify(err))
	})
}
