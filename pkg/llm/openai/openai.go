// Package openai provides an LLM provider speaking the OpenAI-compatible
// chat-completion protocol, backed by the official openai-go SDK.
//
// The provider also encapsulates the per-model-family parameter compatibility
// table: next-generation reasoning families take max_completion_tokens and
// refuse temperature, while prior families take max_tokens and accept it.
// Callers never see this distinction.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/parlancehq/parlance/pkg/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API or any endpoint
// speaking the same wire protocol.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this to point
// the provider at any OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// defaultTimeout bounds each LLM request unless overridden.
const defaultTimeout = 30 * time.Second

// New constructs a Provider with model as its default model.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.Response{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// StreamCompletion implements llm.Provider. Tool-call fragments arriving
// piecewise across delta frames are accumulated per index and emitted as one
// consolidated set on the final chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, wrapErr(err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// accumulated tool calls keyed by index
		accum := map[int]*llm.ToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				existing, ok := accum[idx]
				if !ok {
					existing = &llm.ToolCall{}
					accum[idx] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk emit accumulated tool calls in index order.
			if choice.FinishReason != "" && len(accum) > 0 {
				for i := 0; i < len(accum); i++ {
					if tc, ok := accum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}
			if choice.FinishReason != "" && chunk.Usage.TotalTokens > 0 {
				out.Usage = &llm.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: wrapErr(err).Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// CountTokens implements llm.Provider with a local approximation.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough GPT-series approximation.
		total += (len(m.Content) + 3) / 4
		// Add overhead per message (role + formatting).
		total += 4
	}
	return total, nil
}

// wrapErr converts SDK errors into the typed errors of pkg/llm. HTTP >= 400
// becomes an UpstreamError with status and body prefix; everything else is a
// TransientError.
func wrapErr(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return llm.NewUpstreamError(apiErr.StatusCode, apiErr.RawJSON())
	}
	return &llm.TransientError{Err: err}
}

// paramStyle captures how a model family names its wire parameters.
type paramStyle struct {
	// maxCompletionTokens selects max_completion_tokens over max_tokens.
	maxCompletionTokens bool

	// acceptsTemperature is false for families that reject the parameter.
	acceptsTemperature bool
}

// nextGenPrefixes lists model-name prefixes of the reasoning families that
// take max_completion_tokens and refuse temperature.
var nextGenPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

// styleFor returns the parameter style for a model name. Unknown models get
// the prior-generation style, which every OpenAI-compatible server accepts.
func styleFor(model string) paramStyle {
	lower := strings.ToLower(model)
	for _, prefix := range nextGenPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return paramStyle{maxCompletionTokens: true, acceptsTemperature: false}
		}
	}
	return paramStyle{maxCompletionTokens: false, acceptsTemperature: true}
}

// buildParams converts an llm.Request into OpenAI SDK params, applying the
// model-family parameter compatibility table.
func (p *Provider) buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	style := styleFor(model)
	if req.Temperature != 0 && style.acceptsTemperature {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		if style.maxCompletionTokens {
			params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
		}
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	if len(req.Tools) > 0 {
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt(choice),
		}
	}

	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
