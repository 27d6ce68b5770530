package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"longctx/internal/fragment"
	"longctx/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// ExcludeDirNames: 在扫描目录时跳过这些目录名（基名完全匹配，大小写不敏感）。
	// 为空时默认 [".git","__pycache__"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// SniffBytes: 判定文本文件时检查的前缀字节数，默认 8KiB。
	SniffBytes int `json:"sniff_bytes"`
	// Stdin: 可替换的标准输入（测试用）。
	Stdin io.Reader `json:"-"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
// 内容以惰性句柄交付，真正读取推迟到分块阶段。
type FileSystem struct {
	excludeDir map[string]struct{}
	sniff      int
	stdin      io.Reader
}

var defaultExclude = []string{".git", "__pycache__"}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	names := defaultExclude
	sniff := 8 << 10
	var in io.Reader = os.Stdin
	if opts != nil {
		if len(opts.ExcludeDirNames) > 0 {
			names = opts.ExcludeDirNames
		}
		if opts.SniffBytes > 0 {
			sniff = opts.SniffBytes
		}
		if opts.Stdin != nil {
			in = opts.Stdin
		}
	}
	ex := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		ex[strings.ToLower(name)] = struct{}{}
	}
	return &FileSystem{excludeDir: ex, sniff: sniff, stdin: in}
}

// 形如 path:10-20 或 path:10-（到文件末尾）
var rangeRe = regexp.MustCompile(`^(.+):(\d+)-(\d*)$`)

// Iterate 解析选择子并按稳定顺序回调。
// 支持：文件、目录（递归，字典序）、"-"/"stdin"、file:// 前缀、path:a-b 行区间。
func (r *FileSystem) Iterate(ctx context.Context, selector string, yield func(contract.Source) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch selector {
	case "-", "stdin":
		b, err := io.ReadAll(r.stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		return yield(contract.Source{ID: "stdin", Kind: contract.KindStdin, Content: fragment.Text(b)})
	case "":
		return fmt.Errorf("%w: empty selector", contract.ErrPathInvalid)
	}
	p := strings.TrimPrefix(selector, "file://")
	if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
		if m := rangeRe.FindStringSubmatch(p); m != nil {
			return r.yieldRange(m[1], m[2], m[3], yield)
		}
	}
	return r.iterateOne(ctx, p, true, yield)
}

func (r *FileSystem) yieldRange(p, from, to string, yield func(contract.Source) error) error {
	a, _ := strconv.Atoi(from)
	b := 0
	if to != "" {
		b, _ = strconv.Atoi(to)
	}
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("%w: %v", contract.ErrPathInvalid, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: line range on non-regular file %s", contract.ErrPathInvalid, p)
	}
	fc, err := fragment.NewFileRange(p, a, b)
	if err != nil {
		return err
	}
	id := contract.NormalizeSourceID(p)
	end := "end"
	if b > 0 {
		end = strconv.Itoa(b)
	}
	label := fmt.Sprintf("contents of file `%s` (lines %d-%s)", id, a, end)
	return yield(contract.Source{ID: id, Kind: contract.KindFile, Label: label, Content: fc})
}

// iterateOne: root 为显式给出的单文件时不做文本嗅探（尊重用户意图），目录内的文件会嗅探。
func (r *FileSystem) iterateOne(ctx context.Context, p string, explicit bool, yield func(contract.Source) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return fmt.Errorf("%w: %v", contract.ErrPathInvalid, err)
	}
	// 仅跟随到常规文件；目录符号链接不跟随（忽略）
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: %v", contract.ErrPathInvalid, err)
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.yieldFile(p, explicit, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, p, yield)
	}
	if !info.Mode().IsRegular() { // 跳过非常规文件
		return nil
	}
	return r.yieldFile(p, explicit, yield)
}

func (r *FileSystem) yieldFile(p string, explicit bool, yield func(contract.Source) error) error {
	if !explicit {
		ok, err := r.isText(p)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return yield(contract.Source{ID: contract.NormalizeSourceID(p), Kind: contract.KindFile, Content: fragment.NewFile(p)})
}

// isText: 前缀无 NUL 且为合法 UTF-8（容忍截断处的半个字符）。
func (r *FileSystem) isText(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, r.sniff)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	buf = buf[:n]
	if bytes.IndexByte(buf, 0) >= 0 {
		return false, nil
	}
	if n == r.sniff {
		// 去掉末尾不完整的字符
		for i := 0; i < utf8.UTFMax && len(buf) > 0; i++ {
			if utf8.Valid(buf) {
				break
			}
			buf = buf[:len(buf)-1]
		}
	}
	return utf8.Valid(buf), nil
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.Source) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// 稳定顺序：字典序
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			// 设备、FIFO 等
			continue
		}
		if err := r.yieldFile(p, false, yield); err != nil {
			return err
		}
	}
	return nil
}

var _ contract.Reader = (*FileSystem)(nil)
