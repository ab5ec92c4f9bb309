// Package openai runs units of work against the OpenAI Chat Completions API
// with streaming. Like the Anthropic adapter it keeps transcripts in process
// and uses the conversation id as session id.
package openai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentrelay/backend"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultPrices are the USD prices per million tokens by model family.
var DefaultPrices = backend.PriceTable{
	"gpt-4o":       {Input: 2.5, Output: 10},
	"gpt-4o-mini":  {Input: 0.15, Output: 0.6},
	"gpt-4.1":      {Input: 2, Output: 8},
	"gpt-4.1-mini": {Input: 0.4, Output: 1.6},
	"o4-mini":      {Input: 1.1, Output: 4.4},
}

// Options configures the OpenAI adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
	SystemPrompt        string
	MaxConversations    int
	Prices              backend.PriceTable
	Logger              logging.Logger
}

// Backend is the OpenAI Chat Completions adapter.
type Backend struct {
	client      *openai.Client
	opts        Options
	transcripts *backend.Transcripts[openai.ChatCompletionMessageParamUnion]
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

	client := openai.NewClient(clientOpts...)

	return newBackend(&client, opts)
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newBackend(client, opts)
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Prices:              DefaultPrices,
		Logger:              logging.NoOpLogger{},
	}
}

func newBackend(client *openai.Client, opts Options) *Backend {
	return &Backend{
		client:      client,
		opts:        opts,
		transcripts: backend.NewTranscripts[openai.ChatCompletionMessageParamUnion]("oai_", opts.MaxConversations),
	}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return backend.OpenAI }

// Capabilities implements core.Backend.
func (b *Backend) Capabilities() core.Capabilities {
	return core.Capabilities{Text: true, Images: true, ModelSelection: true}
}

// Run implements core.Backend.
func (b *Backend) Run(ctx context.Context, req core.RunRequest, emit func(core.StreamUpdate)) (*core.Result, error) {
	start := time.Now()

	convID := req.ResumeSessionID
	var history []openai.ChatCompletionMessageParamUnion
	if convID != "" {
		h, ok := b.transcripts.Get(convID)
		if !ok {
			return nil, core.NewBackendError(core.FailureSessionNotFound, backend.OpenAI, "conversation not found", nil)
		}
		history = h
	} else {
		convID = b.transcripts.NewID()
	}

	user, err := userMessage(req)
	if err != nil {
		return nil, err
	}
	messages := append(history, user)

	model := b.opts.Model
	if req.Model != "" {
		model = req.Model
	}

	system, err := backend.SystemPrompt(b.opts.SystemPrompt, backend.PromptData{
		WorkingDirectory: req.WorkingDirectory,
		Model:            model,
		Backend:          backend.OpenAI,
	})
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Messages:            withSystem(messages, system),
		Model:               model,
		Temperature:         openai.Float(b.opts.Temperature),
		MaxCompletionTokens: openai.Int(b.opts.MaxCompletionTokens),
		StreamOptions:       openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}

	emit(core.SystemInfo{Subtype: "init", SessionID: convID, Model: model})

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text     strings.Builder
		resolved string
		usage    openai.CompletionUsage
	)

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			resolved = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = chunk.Usage
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			text.WriteString(ch.Delta.Content)
			emit(core.AssistantText{Text: ch.Delta.Content, SessionID: convID})
		}
	}

	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	if err := ctx.Err(); err != nil {
		return nil, core.NewBackendError(core.Classify(err), backend.OpenAI, "stream interrupted", err)
	}

	content := text.String()
	b.transcripts.Put(convID, append(messages, openai.AssistantMessage(content)))

	if resolved == "" {
		resolved = model
	}

	res := &core.Result{
		Content:   content,
		SessionID: convID,
		Cost:      b.opts.Prices.Cost(resolved, usage.PromptTokens, usage.CompletionTokens),
		Duration:  time.Since(start),
		Turns:     1,
		Backend:   backend.OpenAI,
		Model:     resolved,
	}

	emit(core.FinalResult{Result: *res})

	return res, nil
}

func userMessage(req core.RunRequest) (openai.ChatCompletionMessageParamUnion, error) {
	if len(req.Images) == 0 {
		return openai.UserMessage(req.Prompt), nil
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.Images)+1)
	for _, img := range req.Images {
		data, mediaType, err := backend.LoadImage(img)
		if err != nil {
			return openai.ChatCompletionMessageParamUnion{}, core.NewBackendError(core.FailureInvalidArgument, backend.OpenAI, "invalid image", err)
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: backend.DataURL(data, mediaType),
		}))
	}
	parts = append(parts, openai.TextContentPart(req.Prompt))

	return openai.UserMessage(parts), nil
}

// withSystem prepends the system prompt without storing it in the transcript,
// so a changed working directory is reflected on resume.
func withSystem(messages []openai.ChatCompletionMessageParamUnion, system string) []openai.ChatCompletionMessageParamUnion {
	if system == "" {
		return messages
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	out = append(out, openai.SystemMessage(system))
	return append(out, messages...)
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return core.NewBackendError(backend.ClassifyStatus(apiErr.StatusCode), backend.OpenAI, "api request failed", err)
	}

	class := core.Classify(err)
	if class == core.FailureProcess {
		// Anything else surfacing from the SSE reader is a broken stream.
		class = core.FailureDecode
	}
	return core.NewBackendError(class, backend.OpenAI, "api request failed", err)
}
