package diag

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化日志器：zap JSON 编码，写入按大小轮转的文件。
// 事件字段：corr_id, comp, stage(start|finish|error|warn), code, dur_ms, count, source_id, chunk, kv。
// 方法对 nil 接收者安全。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 以默认文件参数构造。
func NewLogger(corrID, level string) *Logger {
	return NewFileLogger(corrID, FileOptions{Level: level})
}

// NewFileLogger 写入 o 指定的目录，超过 MaxBytes 轮转。
func NewFileLogger(corrID string, o FileOptions) *Logger {
	sink := NewRotatingFile(o)
	core := zapcore.NewCore(newEncoder(), zapcore.Lock(sink), ParseLevel(o.Level))
	l := NewLoggerWithCore(corrID, core)
	l.sink = sink
	return l
}

// NewLoggerWithCore 以自定义 core 构造（测试可传入 observer core）。
func NewLoggerWithCore(corrID string, core zapcore.Core) *Logger {
	z := zap.New(core, zap.ErrorOutput(zapcore.AddSync(os.Stderr)))
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.CallerKey = zapcore.OmitKey
	cfg.StacktraceKey = zapcore.OmitKey
	return zapcore.NewJSONEncoder(cfg)
}

// ParseLevel 解析 debug|info|warn|error，未知值取 info。
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync 刷新并关闭文件 sink。
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

type event struct {
	comp, stage, code, msg string
	dur                    time.Duration
	hasDur                 bool
	count                  int64
	sourceID, chunk        string
	kv                     map[string]string
}

func (l *Logger) log(lv zapcore.Level, ev event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv, ev.msg)
	if ce == nil {
		return
	}
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", ev.comp), zap.String("stage", ev.stage))
	if ev.code != "" {
		fs = append(fs, zap.String("code", ev.code))
	}
	if ev.hasDur {
		fs = append(fs, zap.Int64("dur_ms", ev.dur.Milliseconds()))
	}
	if ev.count != 0 {
		fs = append(fs, zap.Int64("count", ev.count))
	}
	if ev.sourceID != "" {
		fs = append(fs, zap.String("source_id", ev.sourceID))
	}
	if ev.chunk != "" {
		fs = append(fs, zap.String("chunk", ev.chunk))
	}
	if len(ev.kv) > 0 {
		fs = append(fs, zap.Any("kv", ev.kv))
	}
	ce.Write(fs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(zapcore.InfoLevel, event{comp: comp, stage: "start", msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 source_id/chunk 的 start。
func (l *Logger) StartWith(comp, msg, sourceID, chunk string) *Timer {
	l.log(zapcore.InfoLevel, event{comp: comp, stage: "start", msg: msg, sourceID: sourceID, chunk: chunk})
	return &Timer{l: l, comp: comp, sourceID: sourceID, chunk: chunk, t0: time.Now()}
}

// StartWithKV 记录带 source_id/chunk 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, sourceID, chunk string, kv map[string]string) *Timer {
	l.log(zapcore.InfoLevel, event{comp: comp, stage: "start", msg: msg, sourceID: sourceID, chunk: chunk, kv: kv})
	return &Timer{l: l, comp: comp, sourceID: sourceID, chunk: chunk, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 source_id/chunk。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, sourceID, chunk string) {
	l.ErrorWithKV(comp, code, msg, durSince, sourceID, chunk, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, sourceID, chunk string, kv map[string]string) {
	ev := event{comp: comp, stage: "error", code: code, msg: msg, sourceID: sourceID, chunk: chunk, kv: kv}
	if durSince != nil {
		ev.dur, ev.hasDur = time.Since(*durSince), true
	}
	l.log(zapcore.ErrorLevel, ev)
}

// Warn 记录降级类事件（例如缓存不可用）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(zapcore.WarnLevel, event{comp: comp, stage: "warn", code: code, msg: msg, kv: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(zapcore.InfoLevel, event{comp: comp, stage: "finish", msg: msg, dur: time.Since(start), hasDur: true, count: count})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, sourceID, chunk string, kv map[string]string) {
	l.log(zapcore.DebugLevel, event{comp: comp, stage: "start", msg: msg, sourceID: sourceID, chunk: chunk, kv: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l        *Logger
	comp     string
	sourceID string
	chunk    string
	t0       time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(zapcore.InfoLevel, event{comp: t.comp, stage: "finish", msg: msg, dur: time.Since(t.t0), hasDur: true, count: count, sourceID: t.sourceID, chunk: t.chunk})
}

// Since 返回计时起点（供 ErrorWith 计算耗时）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	t0 := t.t0
	return &t0
}

// ChunkID 将 chunk 序号格式化为日志字段。
func ChunkID(i int) string { return fmt.Sprintf("%d", i) }
