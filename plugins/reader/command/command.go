package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"longctx/internal/fragment"
	"longctx/pkg/contract"
)

// Options 为命令类来源的可选配置。
type Options struct {
	Shell          string `json:"shell"`           // 默认 sh
	TimeoutSeconds int    `json:"timeout_seconds"` // 默认 60
	MaxBytes       int    `json:"max_bytes"`       // 输出上限，默认 16MiB
}

// Command 处理 cmd:、man:、tldr: 三类选择子，将标准输出作为片段内容。
type Command struct {
	shell    string
	timeout  time.Duration
	maxBytes int
}

func New(opts *Options) *Command {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Shell == "" {
		o.Shell = "sh"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 16 << 20
	}
	return &Command{shell: o.Shell, timeout: time.Duration(o.TimeoutSeconds) * time.Second, maxBytes: o.MaxBytes}
}

var prefixes = []string{"cmd:", "man:", "tldr:"}

// Accepts 判断选择子是否由本 Reader 处理。
func (c *Command) Accepts(selector string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(selector, p) {
			return true
		}
	}
	return false
}

func (c *Command) Iterate(ctx context.Context, selector string, yield func(contract.Source) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix, arg, _ := strings.Cut(selector, ":")
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return fmt.Errorf("%w: empty command in %q", contract.ErrPathInvalid, selector)
	}
	var (
		argv  []string
		label string
		env   []string
	)
	switch prefix {
	case "cmd":
		argv = []string{c.shell, "-c", arg}
		label = fmt.Sprintf("output of command `%s`", arg)
	case "man":
		argv = append([]string{"man"}, strings.Fields(arg)...)
		label = "manual page of " + arg
		env = []string{"MANPAGER=cat", "MAN_KEEP_FORMATTING=0", "MANWIDTH=100"}
	case "tldr":
		argv = append([]string{"tldr"}, strings.Fields(arg)...)
		label = "tldr of " + arg
	default:
		return fmt.Errorf("%w: unsupported selector %q", contract.ErrPathInvalid, selector)
	}
	out, err := c.run(ctx, argv, env)
	if err != nil {
		return err
	}
	return yield(contract.Source{ID: selector, Kind: contract.KindCommand, Label: label, Content: fragment.Text(out)})
}

func (c *Command) run(ctx context.Context, argv, env []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// 孙进程可能继续持有输出管道
	cmd.WaitDelay = time.Second
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{w: &stdout, n: c.maxBytes}
	cmd.Stderr = &limitWriter{w: &stderr, n: 4 << 10}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("command %q: %w", strings.Join(argv, " "), ctx.Err())
		}
		return "", fmt.Errorf("command %q: %v: %s: %w", strings.Join(argv, " "), err, strings.TrimSpace(stderr.String()), contract.ErrPathInvalid)
	}
	// 去除行尾空白（man 输出常带填充）
	lines := strings.Split(strings.ToValidUTF8(stdout.String(), "�"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.Join(lines, "\n"), nil
}

// limitWriter 超过上限的部分静默丢弃，避免子进程因管道写失败而退出。
type limitWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if room := l.n - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}

var _ contract.Reader = (*Command)(nil)
