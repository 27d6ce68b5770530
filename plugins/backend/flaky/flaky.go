package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"longctx/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// FailFirst: 前 N 次（匹配的）调用失败，默认 1。
	FailFirst int `json:"fail_first"`
	// Kind: 失败类型 rate_limited（默认）| network | fatal | invalid。
	Kind string `json:"kind"`
	// Match: 非空时仅最后一条 user 消息包含该子串的调用参与失败计数。
	Match string `json:"match,omitempty"`
	// PerInput: 按输入内容分别计数（并发下每个块各自失败 N 次）。
	PerInput bool `json:"per_input,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的后端实现：前 FailFirst 次返回 Kind 对应错误，之后返回占位回答。
type Client struct {
	prefix    string
	failFirst int32
	kind      error
	match     string
	perInput  bool
	logPath   string

	count atomic.Int32
	calls atomic.Int32

	mu      sync.Mutex
	byInput map[string]int32
	logMu   sync.Mutex
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if o.FailFirst == 0 {
		o.FailFirst = 1
	}
	kind, err := parseKind(o.Kind)
	if err != nil {
		return nil, err
	}
	return &Client{
		prefix:    o.Prefix,
		failFirst: int32(max(o.FailFirst, 0)),
		kind:      kind,
		match:     o.Match,
		perInput:  o.PerInput,
		logPath:   o.LogPath,
		byInput:   map[string]int32{},
	}, nil
}

func parseKind(s string) (error, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rate_limited":
		return contract.ErrRateLimited, nil
	case "network":
		return contract.ErrNetwork, nil
	case "fatal":
		return contract.ErrFatal, nil
	case "invalid":
		return contract.ErrResponseInvalid, nil
	default:
		return nil, fmt.Errorf("flaky: unknown kind %q: %w", s, contract.ErrInvalidInput)
	}
}

func (c *Client) Name() string { return "flaky" }

func (c *Client) Model() string { return "flaky" }

// Calls 返回累计调用次数（含失败）。
func (c *Client) Calls() int { return int(c.calls.Load()) }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// nth 返回本次匹配调用的序号（1 起始）；不匹配返回 0。
func (c *Client) nth(in string) int32 {
	if c.match != "" && !strings.Contains(in, c.match) {
		return 0
	}
	if !c.perInput {
		return c.count.Add(1)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byInput[in]++
	return c.byInput[in]
}

// Complete 实现 contract.ModelBackend。
func (c *Client) Complete(ctx context.Context, msgs []contract.Message, p contract.Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.calls.Add(1)
	var in string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == contract.RoleUser {
			in = msgs[i].Content
			break
		}
	}
	if n := c.nth(in); n > 0 && n <= c.failFirst {
		c.log(fmt.Sprintf("fail %d: %v", n, c.kind))
		return "", fmt.Errorf("flaky call %d: %w", n, c.kind)
	}
	c.log("ok")
	first, _, _ := strings.Cut(strings.TrimSpace(in), "\n")
	return fmt.Sprintf("%s: %dB %s", c.prefix, len(in), first), nil
}

var _ contract.ModelBackend = (*Client)(nil)
