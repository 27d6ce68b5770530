package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"longctx/pkg/contract"
)

// Options: 离线调试配置（可选），不发起任何网络请求。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "ECHO"
	// APIKey: 仅用于限流分组（调试用）。
	APIKey string `json:"api_key"`
	// ResponseMode:
	//  - "digest"（默认）：输出 "<prefix> <n>B <hash8>: <首行摘要>"，长度有上界，适合多轮归约；
	//  - "echo"：回显最后一条 user 消息（可按 max_bytes 截断）；
	//  - "length"：仅输出字节数。
	ResponseMode string `json:"response_mode,omitempty"`
	MaxBytes     int    `json:"max_bytes,omitempty"`
	DelayMS      int    `json:"delay_ms,omitempty"`
}

type Client struct {
	prefix   string
	mode     string
	maxBytes int
	delay    time.Duration
}

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("echo options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "ECHO"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "digest"
	case "digest", "echo", "length":
	default:
		return nil, fmt.Errorf("echo: unknown response_mode %q: %w", mode, contract.ErrInvalidInput)
	}
	if o.MaxBytes <= 0 && mode == "digest" {
		o.MaxBytes = 48
	}
	return &Client{prefix: o.Prefix, mode: mode, maxBytes: o.MaxBytes, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

func (c *Client) Name() string { return "echo" }

// Model 以响应模式区分缓存：不同模式的输出不可互换。
func (c *Client) Model() string { return "echo-" + c.mode }

// lastUser 返回最后一条 user 消息内容。
func lastUser(msgs []contract.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == contract.RoleUser {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// truncate 在 UTF-8 字符边界截断。
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (c *Client) Complete(ctx context.Context, msgs []contract.Message, p contract.Params) (string, error) {
	in, ok := lastUser(msgs)
	if !ok {
		return "", fmt.Errorf("echo: no user message: %w", contract.ErrInvalidInput)
	}
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch c.mode {
	case "length":
		return fmt.Sprintf("%s %dB", c.prefix, len(in)), nil
	case "echo":
		return c.prefix + ": " + truncate(in, c.maxBytes), nil
	default:
		sum := blake3.Sum256([]byte(in))
		first := strings.TrimSpace(in)
		if i := strings.IndexByte(first, '\n'); i >= 0 {
			first = first[:i]
		}
		return fmt.Sprintf("%s %dB %x: %s", c.prefix, len(in), sum[:4], truncate(first, c.maxBytes)), nil
	}
}

// CompleteStream 按空白切分回放完整结果。
func (c *Client) CompleteStream(ctx context.Context, msgs []contract.Message, p contract.Params) (contract.TokenStream, error) {
	out, err := c.Complete(ctx, msgs, p)
	if err != nil {
		return nil, err
	}
	return &wordStream{ctx: ctx, words: strings.SplitAfter(out, " ")}, nil
}

type wordStream struct {
	ctx   context.Context
	words []string
	pos   int
}

func (s *wordStream) Next() (string, bool, error) {
	if err := s.ctx.Err(); err != nil {
		return "", false, err
	}
	if s.pos >= len(s.words) {
		return "", true, nil
	}
	w := s.words[s.pos]
	s.pos++
	return w, false, nil
}

func (s *wordStream) Close() error { return nil }

var (
	_ contract.ModelBackend = (*Client)(nil)
	_ contract.Streamer     = (*Client)(nil)
)
