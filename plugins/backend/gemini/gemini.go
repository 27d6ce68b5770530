package gemini

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

	"google.golang.org/genai"

	"longctx/pkg/contract"
)

// Options: Gemini（google.golang.org/genai）最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空使用 SDK 默认端点
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY，其次 GEMINI_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 180 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 180
	}
}

type Client struct {
	gc    *genai.Client
	model string
}

func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("gemini options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	gc, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %v: %w", err, contract.ErrInvalidInput)
	}
	return &Client{gc: gc, model: opts.Model}, nil
}

func (c *Client) Name() string { return "gemini" }

// Model 返回生效的模型名（参与缓存键）。
func (c *Client) Model() string { return c.model }

// encode 将通用消息映射为 Gemini 形状：system→SystemInstruction，assistant→model，其余→user。
func encode(msgs []contract.Message, p contract.Params) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	var sys []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case contract.RoleSystem:
			sys = append(sys, m.Content)
		case contract.RoleAssistant, "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(sys) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(sys, "\n\n"), genai.RoleUser)
	}
	if p.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*p.Temperature))
	}
	if p.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*p.TopP))
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	return contents, cfg
}

func (c *Client) Complete(ctx context.Context, msgs []contract.Message, p contract.Params) (string, error) {
	contents, cfg := encode(msgs, p)
	if len(contents) == 0 {
		return "", fmt.Errorf("gemini: no user content: %w", contract.ErrInvalidInput)
	}
	model := c.model
	if p.ModelID != "" {
		model = p.ModelID
	}
	resp, err := c.gc.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", classify(ctx, err)
	}
	text := resp.Text()
	if text == "" {
		return "", contract.ErrResponseInvalid
	}
	return text, nil
}

// upstreamError 保留上游状态码，并按状态码挂接哨兵错误。
type upstreamError struct {
	status int
	msg    string
	kind   error
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Unwrap() error           { return e.kind }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		ue := upstreamError{status: apiErr.Code, msg: apiErr.Message, kind: contract.ErrFatal}
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			ue.kind = contract.ErrRateLimited
		case apiErr.Code == http.StatusRequestTimeout || apiErr.Code/100 == 5:
			ue.kind = contract.ErrNetwork
		}
		return ue
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("gemini: %v: %w", err, contract.ErrNetwork)
}
