package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"longctx/pkg/contract"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 4096
)

// Options: Anthropic Messages API 最小必需。
type Options struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	APIKeyEnv      string `json:"api_key_env"` // 默认 ANTHROPIC_API_KEY
	APIKey         string `json:"api_key"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 180
	}
}

type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func New(raw json.RawMessage) (*Client, error) {
	return newClient(raw)
}

// newClient 允许测试注入额外的请求选项（如 option.WithHTTPClient）。
func newClient(raw json.RawMessage, extra ...option.RequestOption) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("anthropic options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w: missing api key", contract.ErrInvalidInput)
	}
	// 重试由引擎统一负责，SDK 内置重试关闭
	ro := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}),
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	ro = append(ro, extra...)
	return &Client{client: anthropic.NewClient(ro...), model: opts.Model, maxTokens: opts.MaxTokens}, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Model() string { return c.model }

func (c *Client) params(msgs []contract.Message, p contract.Params) (anthropic.MessageNewParams, error) {
	mp := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
	}
	if p.ModelID != "" {
		mp.Model = anthropic.Model(p.ModelID)
	}
	if p.MaxTokens > 0 {
		mp.MaxTokens = int64(p.MaxTokens)
	}
	if p.Temperature != nil {
		mp.Temperature = anthropic.Float(*p.Temperature)
	}
	if p.TopP != nil {
		mp.TopP = anthropic.Float(*p.TopP)
	}
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case contract.RoleSystem:
			mp.System = append(mp.System, anthropic.TextBlockParam{Text: m.Content})
		case contract.RoleAssistant:
			mp.Messages = append(mp.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			mp.Messages = append(mp.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(mp.Messages) == 0 {
		return mp, fmt.Errorf("anthropic: no user content: %w", contract.ErrInvalidInput)
	}
	return mp, nil
}

func (c *Client) Complete(ctx context.Context, msgs []contract.Message, p contract.Params) (string, error) {
	mp, err := c.params(msgs, p)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Messages.New(ctx, mp)
	if err != nil {
		return "", classify(ctx, err)
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", contract.ErrResponseInvalid
	}
	return out.String(), nil
}

type upstreamError struct {
	status int
	msg    string
	kind   error
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("anthropic upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) Unwrap() error           { return e.kind }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ue := upstreamError{status: apiErr.StatusCode, msg: err.Error(), kind: contract.ErrFatal}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			ue.kind = contract.ErrRateLimited
		// 529 overloaded 与 5xx 同属可重试
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode/100 == 5:
			ue.kind = contract.ErrNetwork
		}
		return ue
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("anthropic: %v: %w", err, contract.ErrNetwork)
}
