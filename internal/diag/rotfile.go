package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const (
	defaultLogDir   = "logs"
	defaultLogName  = "longctx"
	defaultLogBytes = 10 << 20
)

// FileOptions 文件日志参数；零值取默认（logs/longctx.log，10 MiB，不限份数）。
type FileOptions struct {
	Level    string
	Dir      string
	Name     string
	MaxBytes int64
	Keep     int // 保留的历史文件份数，0 不清理
}

func (o FileOptions) withDefaults() FileOptions {
	if o.Dir == "" {
		o.Dir = defaultLogDir
	}
	if o.Name == "" {
		o.Name = defaultLogName
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = defaultLogBytes
	}
	return o
}

// RotatingFile 按大小轮转的 zapcore.WriteSyncer。
// 当前文件为 <name>.log，轮转后改名为 <name>-<UTC 时间戳>.log。
type RotatingFile struct {
	opt FileOptions
	now func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
}

func NewRotatingFile(o FileOptions) *RotatingFile {
	return &RotatingFile{opt: o.withDefaults(), now: time.Now}
}

// Path 当前文件路径。
func (w *RotatingFile) Path() string {
	return filepath.Join(w.opt.Dir, w.opt.Name+".log")
}

// Write 每条日志一次调用；单条不拆分到两个文件。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && w.size+int64(len(p)) > w.opt.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingFile) open() error {
	if err := os.MkdirAll(w.opt.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	_ = w.f.Close()
	w.f = nil
	ts := w.now().UTC().Format("20060102-150405.000000000")
	dst := filepath.Join(w.opt.Dir, fmt.Sprintf("%s-%s.log", w.opt.Name, ts))
	if err := os.Rename(w.Path(), dst); err != nil {
		return fmt.Errorf("rename rotated log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出 Keep 的最旧历史文件；时间戳定长，按名字排序即按时间排序。
func (w *RotatingFile) prune() {
	if w.opt.Keep <= 0 {
		return
	}
	old, err := filepath.Glob(filepath.Join(w.opt.Dir, w.opt.Name+"-*.log"))
	if err != nil || len(old) <= w.opt.Keep {
		return
	}
	slices.Sort(old)
	for _, p := range old[:len(old)-w.opt.Keep] {
		_ = os.Remove(p)
	}
}
