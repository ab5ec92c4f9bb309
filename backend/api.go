package backend

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
)

// Price is the USD cost per million tokens.
type Price struct {
	Input  float64
	Output float64
}

// PriceTable maps model name prefixes to prices.
type PriceTable map[string]Price

// Cost returns the USD cost of a call using the longest matching prefix.
// Unknown models cost nothing.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int64) float64 {
	var (
		best  Price
		match int
	)
	for prefix, p := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > match {
			best, match = p, len(prefix)
		}
	}
	return (float64(inputTokens)*best.Input + float64(outputTokens)*best.Output) / 1e6
}

// ClassifyStatus maps an HTTP status from a provider API to a failure class.
func ClassifyStatus(status int) core.FailureClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.FailurePermission
	case status == http.StatusRequestTimeout:
		return core.FailureTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return core.FailureConnection
	case status == http.StatusUnprocessableEntity:
		return core.FailureValidation
	case status >= 400:
		return core.FailureInvalidArgument
	default:
		return core.FailureProcess
	}
}

// LoadImage returns the bytes and media type of an image, reading Path when
// no inline data is present.
func LoadImage(img core.Image) ([]byte, string, error) {
	data := img.Data
	if len(data) == 0 {
		if img.Path == "" {
			return nil, "", fmt.Errorf("image has neither data nor path")
		}
		b, err := os.ReadFile(img.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image: %w", err)
		}
		data = b
	}

	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}

	return data, mediaType, nil
}

// DataURL renders an image as a base64 data URL.
func DataURL(data []byte, mediaType string) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// PromptData is the data available to system prompt templates.
type PromptData struct {
	WorkingDirectory string
	Model            string
	Backend          string
}

// SystemPrompt renders the system prompt for API adapters. base may be a
// text/template over PromptData. The working directory note is appended
// unless the rendered prompt already mentions the directory.
func SystemPrompt(base string, data PromptData) (string, error) {
	rendered, err := util.RenderTemplate(base, data)
	if err != nil {
		return "", core.NewBackendError(core.FailureInvalidArgument, data.Backend, "invalid system prompt", err)
	}

	if data.WorkingDirectory == "" || strings.Contains(rendered, data.WorkingDirectory) {
		return rendered, nil
	}

	note := "The user's current working directory is " + data.WorkingDirectory + "."
	if rendered == "" {
		return note, nil
	}
	return rendered + "\n\n" + note, nil
}
