package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON 写入轮转文件（失败时回落 stderr）；支持级别过滤。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认路径 logs/，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	sink := NewRotatingFile("logs", 10*1024*1024)
	return &Logger{corrID: corrID, level: lvl, sink: sink}
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Order  string            `json:"order,omitempty"`
	Model  string            `json:"model,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// log 按级别过滤后写出单行 JSON；sink 失败时回落 stderr。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Close 关闭日志文件；之后的事件会重新打开 sink。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func (l *Logger) start(comp, msg, order, model string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Order: order, Model: model, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, order: order, model: model, t0: time.Now()}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer { return l.start(comp, msg, "", "", nil) }

// StartWith 记录带 order/model 的 start。
func (l *Logger) StartWith(comp, msg, order, model string) *Timer {
	return l.start(comp, msg, order, model, nil)
}

// StartWithKV 同 StartWith，附带键值。
func (l *Logger) StartWithKV(comp, msg, order, model string, kv map[string]string) *Timer {
	return l.start(comp, msg, order, model, kv)
}

// Error 记录 error 事件；durSince 非空时附带自该时刻起的耗时。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 order/model。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, order, model string) {
	l.ErrorWithKV(comp, code, msg, durSince, order, model, nil)
}

// ErrorWithKV 支持附带键值对（例如失配的 ngram、出错步号）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, order, model string, kv map[string]string) {
	ev := Event{Comp: comp, Stage: "error", Code: code, Msg: msg, Order: order, Model: model, KV: kv}
	if durSince != nil {
		ev.DurMS = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, ev)
}

func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	order string
	model string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, Order: t.order, Model: t.model, Msg: msg})
	ObserveDuration(t.comp, msg, dur)
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, order, model string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Order: order, Model: model, Msg: msg, KV: kv})
}
