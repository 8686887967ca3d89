package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sift/internal/behavior"
	"github.com/linnemanlabs/sift/internal/tools"
)

const requestTimeout = 120 * time.Second

// Client implements behavior.Provider over the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude client for the given API key and model name. Extra
// request options (base URL, retries) are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(requestTimeout),
	}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Send sends one turn of the conversation and returns the model's reply.
func (c *Client) Send(ctx context.Context, req *behavior.LLMRequest) (*behavior.LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
		Tools:     toSDKTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []behavior.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case behavior.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case behavior.BlockToolUse:
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case behavior.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

// inputSchema is the subset of a JSON schema the SDK takes apart.
type inputSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

func toSDKTools(defs []tools.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema inputSchema
		// tool schemas are static literals; a bad one shows up as a tool with no parameters
		_ = json.Unmarshal(d.InputSchema, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *behavior.LLMResponse {
	resp := &behavior.LLMResponse{
		Content: make([]behavior.ContentBlock, 0, len(msg.Content)),
		Usage: behavior.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Model: string(msg.Model),
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, behavior.ContentBlock{
			Type:  b.Type,
			Text:  b.Text,
			ID:    b.ID,
			Name:  b.Name,
			Input: b.Input,
		})
	}
	switch msg.StopReason {
	case anthropic.StopReasonEndTurn:
		resp.StopReason = behavior.StopEnd
	case anthropic.StopReasonToolUse:
		resp.StopReason = behavior.StopToolUse
	case anthropic.StopReasonMaxTokens:
		resp.StopReason = behavior.StopMaxTokens
	default:
		resp.StopReason = behavior.StopReason(msg.StopReason)
	}
	return resp
}
