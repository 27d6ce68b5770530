package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"longctx/internal/cache"
	"longctx/internal/fragment"
	"longctx/pkg/contract"
)

// ContentCache: 抓取结果缓存（可选），由 internal/cache.Cache 满足。
type ContentCache interface {
	Get(ctx context.Context, k cache.Key) ([]byte, bool, error)
	Put(ctx context.Context, k cache.Key, value []byte, ttl time.Duration) error
}

// Options 为 Web Reader 的可选配置。
type Options struct {
	TimeoutSeconds int    `json:"timeout_seconds"` // 单次请求超时，默认 30
	Attempts       int    `json:"attempts"`        // 总尝试次数，默认 3
	RetryDelayMS   int    `json:"retry_delay_ms"`  // 重试间隔，默认 5000
	UserAgent      string `json:"user_agent"`
	MaxBytes       int64  `json:"max_bytes"` // 响应体上限，默认 16MiB
	// AliasURLs: 覆盖别名前缀的 URL 模板（%s 为参数），如 {"bts":"https://bugs.debian.org/%s"}。
	AliasURLs map[string]string `json:"alias_urls"`
	// CacheTTL: 内容缓存有效期，默认 24h；仅在设置 Cache 时生效。
	CacheTTL time.Duration `json:"-"`
	Cache    ContentCache  `json:"-"`
	// HTTPClient: 可替换的客户端（测试用）。
	HTTPClient *http.Client `json:"-"`
}

type alias struct {
	format string
	label  string
	// 需要从页面剔除的系统消息 class
	dropClasses []string
}

var defaultAliases = map[string]alias{
	"bts":      {format: "https://bugs.debian.org/%s", label: "Debian Bug Tracking System page of %s", dropClasses: []string{"msgreceived", "infmessage"}},
	"buildd":   {format: "https://buildd.debian.org/status/package.php?p=%s", label: "buildd status of package `%s`"},
	"archwiki": {format: "https://wiki.archlinux.org/title/%s", label: "Arch Wiki about `%s`"},
}

// Web 读取 http(s) URL 与 bts:/buildd:/archwiki: 别名，HTML 归约为纯文本。
type Web struct {
	hc       *http.Client
	attempts int
	delay    time.Duration
	ua       string
	maxBytes int64
	aliases  map[string]alias
	cache    ContentCache
	ttl      time.Duration
}

func New(opts *Options) *Web {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryDelayMS <= 0 {
		o.RetryDelayMS = 5000
	}
	if o.UserAgent == "" {
		o.UserAgent = "Mozilla/5.0 (compatible; longctx/1.0)"
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 16 << 20
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	}
	al := make(map[string]alias, len(defaultAliases))
	for k, v := range defaultAliases {
		if f, ok := o.AliasURLs[k]; ok && f != "" {
			v.format = f
		}
		al[k] = v
	}
	return &Web{
		hc:       hc,
		attempts: o.Attempts,
		delay:    time.Duration(o.RetryDelayMS) * time.Millisecond,
		ua:       o.UserAgent,
		maxBytes: o.MaxBytes,
		aliases:  al,
		cache:    o.Cache,
		ttl:      o.CacheTTL,
	}
}

// IsAlias 报告 prefix 是否为内置别名；alias_urls 只能改写这些前缀的模板。
func IsAlias(prefix string) bool {
	_, ok := defaultAliases[prefix]
	return ok
}

// Accepts 判断选择子是否由本 Reader 处理。
func (w *Web) Accepts(selector string) bool {
	if strings.HasPrefix(selector, "http://") || strings.HasPrefix(selector, "https://") {
		return true
	}
	prefix, _, ok := strings.Cut(selector, ":")
	if !ok {
		return false
	}
	_, ok = w.aliases[prefix]
	return ok
}

// resolve 将选择子展开为 URL 与标签。
func (w *Web) resolve(selector string) (string, string, alias, error) {
	if strings.HasPrefix(selector, "http://") || strings.HasPrefix(selector, "https://") {
		if _, err := url.Parse(selector); err != nil {
			return "", "", alias{}, fmt.Errorf("%w: %v", contract.ErrPathInvalid, err)
		}
		return selector, "contents of URL " + selector, alias{}, nil
	}
	prefix, arg, _ := strings.Cut(selector, ":")
	a, ok := w.aliases[prefix]
	if !ok || arg == "" {
		return "", "", alias{}, fmt.Errorf("%w: unsupported selector %q", contract.ErrPathInvalid, selector)
	}
	// bts:src:pkg 页面不剔除消息块
	if prefix == "bts" && strings.HasPrefix(arg, "src:") {
		a.dropClasses = nil
	}
	return fmt.Sprintf(a.format, url.PathEscape(arg)), fmt.Sprintf(a.label, arg), a, nil
}

func (w *Web) Iterate(ctx context.Context, selector string, yield func(contract.Source) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, label, a, err := w.resolve(selector)
	if err != nil {
		return err
	}
	text, err := w.cached(ctx, u, a)
	if err != nil {
		return err
	}
	return yield(contract.Source{ID: selector, Kind: contract.KindURL, Label: label, Content: fragment.Text(text)})
}

func (w *Web) cached(ctx context.Context, u string, a alias) (string, error) {
	if w.cache == nil {
		return w.fetch(ctx, u, a)
	}
	k := cache.ContentKey(string(contract.KindURL), u)
	// 缓存错误不影响读取
	if b, ok, err := w.cache.Get(ctx, k); err == nil && ok {
		return string(b), nil
	}
	text, err := w.fetch(ctx, u, a)
	if err != nil {
		return "", err
	}
	_ = w.cache.Put(ctx, k, []byte(text), w.ttl)
	return text, nil
}

// fetch 带固定间隔重试；仅对网络错误、429 与 5xx 重试。
func (w *Web) fetch(ctx context.Context, u string, a alias) (string, error) {
	var last error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 {
			if err := sleepWithCtx(ctx, w.delay); err != nil {
				return "", err
			}
		}
		text, err := w.once(ctx, u, a)
		if err == nil {
			return text, nil
		}
		last = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, contract.ErrNetwork) && !errors.Is(err, contract.ErrRateLimited) {
			return "", err
		}
	}
	return "", fmt.Errorf("fetch %s: %w", u, last)
}

func (w *Web) once(ctx context.Context, u string, a alias) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contract.ErrPathInvalid, err)
	}
	req.Header.Set("User-Agent", w.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	resp, err := w.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %v: %w", u, err, contract.ErrNetwork)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("get %s: %w", u, contract.ErrRateLimited)
	case resp.StatusCode/100 == 5:
		return "", fmt.Errorf("get %s: status %d: %w", u, resp.StatusCode, contract.ErrNetwork)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("get %s: status %d: %w", u, resp.StatusCode, contract.ErrPathInvalid)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %v: %w", u, err, contract.ErrNetwork)
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt == "text/html" || mt == "application/xhtml+xml" {
		return htmlText(body, a.dropClasses)
	}
	// 非 UTF-8 的纯文本按替换字符处理
	return strings.ToValidUTF8(string(body), "�"), nil
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ contract.Reader = (*Web)(nil)
