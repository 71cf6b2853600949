package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// openaiBackend talks to the OpenAI API (or any OpenAI-compatible endpoint
// via BaseURL) through the official SDK.
type openaiBackend struct {
	client oai.Client
	httpc  *http.Client
	model  string
}

func newOpenAIBackend(cfg BackendConfig) (Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	httpc := &http.Client{}
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(httpc),
	}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &openaiBackend{
		client: oai.NewClient(reqOpts...),
		httpc:  httpc,
		model:  cfg.Model,
	}, nil
}

func (b *openaiBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &Completion{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

func (b *openaiBackend) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan Chunk, streamBufferSize)
	go func() {
		defer close(ch)
		defer stream.Close()

		// accumulated tool calls keyed by index
		toolCallAccum := map[int]*ToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk emit accumulated tool calls.
			if choice.FinishReason == "tool_calls" || (choice.FinishReason != "" && len(toolCallAccum) > 0) {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
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
			case ch <- Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (b *openaiBackend) Capabilities() Capabilities {
	lower := strings.ToLower(b.model)
	caps := Capabilities{Tools: true}
	switch {
	case strings.HasPrefix(lower, "gpt-4o"),
		strings.HasPrefix(lower, "gpt-4.1"),
		strings.HasPrefix(lower, "gpt-4-turbo"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"):
		caps.Vision = true
	case strings.HasPrefix(lower, "o1-mini"), strings.HasPrefix(lower, "o3-mini"):
		caps.Vision = false
	}
	return caps
}

func (b *openaiBackend) close() {
	b.httpc.CloseIdleConnections()
}

// buildParams converts a Request into OpenAI SDK params.
func (b *openaiBackend) buildParams(req Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}

	for i, m := range req.Messages {
		// Images attach to the last user message as multimodal parts.
		if len(req.Images) > 0 && i == len(req.Messages)-1 && m.Role == "user" {
			parts := []oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(m.Content),
			}
			for _, img := range req.Images {
				url, err := imageURL(img)
				if err != nil {
					return oai.ChatCompletionNewParams{}, err
				}
				parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL: url,
				}))
			}
			messages = append(messages, oai.UserMessage(parts))
			continue
		}

		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
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

	return params, nil
}

// convertMessage converts a Message to an OpenAI SDK message param.
func convertMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// imageURL turns an ImageInput into a URL the API accepts: the remote URL
// as-is, or inline bytes as a base64 data URL.
func imageURL(img ImageInput) (string, error) {
	if img.URL != "" {
		return img.URL, nil
	}
	if len(img.Data) == 0 {
		return "", fmt.Errorf("openai: image has neither URL nor data")
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data), nil
}
