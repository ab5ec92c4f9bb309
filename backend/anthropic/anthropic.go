// Package anthropic runs units of work against the Anthropic Messages API.
//
// The API keeps no server-side conversation, so the adapter stores each
// transcript in process under a generated conversation id and treats that id
// as the session id.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultPrices are the USD prices per million tokens by model family.
var DefaultPrices = backend.PriceTable{
	"claude-3-5-haiku":  {Input: 0.8, Output: 4},
	"claude-3-5-sonnet": {Input: 3, Output: 15},
	"claude-3-7-sonnet": {Input: 3, Output: 15},
	"claude-sonnet-4":   {Input: 3, Output: 15},
	"claude-opus-4":     {Input: 15, Output: 75},
}

// Options configures the Anthropic adapter.
type Options struct {
	Model            anthropic.Model
	MaxTokens        int64
	Temperature      float64
	APIKey           string
	BaseURL          string
	SystemPrompt     string
	MaxConversations int
	Prices           backend.PriceTable
	Logger           logging.Logger
}

// Backend is the Anthropic Messages API adapter.
type Backend struct {
	client      *anthropic.Client
	opts        Options
	transcripts *backend.Transcripts[anthropic.MessageParam]
}

var _ core.Backend = (*Backend)(nil)

// New creates an adapter with its own client.
func New(optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return newBackend(&client, opts)
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newBackend(client, opts)
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:   4096,
		Temperature: 0.7,
		Prices:      DefaultPrices,
		Logger:      logging.NoOpLogger{},
	}
}

func newBackend(client *anthropic.Client, opts Options) *Backend {
	return &Backend{
		client:      client,
		opts:        opts,
		transcripts: backend.NewTranscripts[anthropic.MessageParam]("anth_", opts.MaxConversations),
	}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return backend.Anthropic }

// Capabilities implements core.Backend.
func (b *Backend) Capabilities() core.Capabilities {
	return core.Capabilities{Text: true, Images: true, ModelSelection: true}
}

// Run implements core.Backend.
func (b *Backend) Run(ctx context.Context, req core.RunRequest, emit func(core.StreamUpdate)) (*core.Result, error) {
	start := time.Now()

	convID := req.ResumeSessionID
	var history []anthropic.MessageParam
	if convID != "" {
		h, ok := b.transcripts.Get(convID)
		if !ok {
			return nil, core.NewBackendError(core.FailureSessionNotFound, backend.Anthropic, "conversation not found", nil)
		}
		history = h
	} else {
		convID = b.transcripts.NewID()
	}

	content := make([]anthropic.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		data, mediaType, err := backend.LoadImage(img)
		if err != nil {
			return nil, core.NewBackendError(core.FailureInvalidArgument, backend.Anthropic, "invalid image", err)
		}
		content = append(content, anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)))
	}
	content = append(content, anthropic.NewTextBlock(req.Prompt))

	messages := append(history, anthropic.NewUserMessage(content...))

	model := b.opts.Model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}

	params := anthropic.MessageNewParams{
		Model:       model,
		Messages:    messages,
		MaxTokens:   b.opts.MaxTokens,
		Temperature: anthropic.Float(b.opts.Temperature),
	}
	system, err := backend.SystemPrompt(b.opts.SystemPrompt, backend.PromptData{
		WorkingDirectory: req.WorkingDirectory,
		Model:            string(model),
		Backend:          backend.Anthropic,
	})
	if err != nil {
		return nil, err
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	emit(core.SystemInfo{Subtype: "init", SessionID: convID, Model: string(model)})

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var texts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			if t := block.AsText().Text; t != "" {
				texts = append(texts, t)
			}
		}
	}
	text := strings.Join(texts, "\n")

	if text != "" {
		emit(core.AssistantText{Text: text, SessionID: convID})
	}

	b.transcripts.Put(convID, append(messages, resp.ToParam()))

	resolved := string(resp.Model)
	if resolved == "" {
		resolved = string(model)
	}

	res := &core.Result{
		Content:   text,
		SessionID: convID,
		Cost:      b.opts.Prices.Cost(resolved, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Duration:  time.Since(start),
		Turns:     1,
		Backend:   backend.Anthropic,
		Model:     resolved,
	}

	emit(core.FinalResult{Result: *res})

	return res, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return core.NewBackendError(backend.ClassifyStatus(apiErr.StatusCode), backend.Anthropic, "api request failed", err)
	}
	return core.NewBackendError(core.Classify(err), backend.Anthropic, "api request failed", err)
}
