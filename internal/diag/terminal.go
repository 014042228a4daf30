package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 进度条（pb）；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	// 运行期最小状态
	orders     int
	models     int
	ordersDone int
	records    int64
	runStart   time.Time

	bar *pb.ProgressBar

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart: 记录运行上下文；total 为全部阶的记录总数（未知时传 0）。
func (t *Terminal) RunStart(orders, models int, total int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.orders = orders
	t.models = models
	t.ordersDone = 0
	t.records = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 阶数=%d | 模型=%d", orders, models))
	if t.isTTY && t.enabled && total > 0 {
		t.bar = pb.New64(total).SetTemplate(pb.Simple).SetWriter(t.w)
		t.bar.Set("prefix", "merge ")
		t.bar.Start()
	}
}

// OrderStart: 标记某一阶开始（非 TTY 打点一行）。
func (t *Terminal) OrderStart(order int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.isTTY {
		return
	}
	t.println(fmt.Sprintf("[order] %d | 开始", order))
}

// Progress: 累加已合并记录数；仅 TTY 下推进进度条。
func (t *Terminal) Progress(order int, delta int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.records += delta
	if t.bar != nil {
		t.bar.Add64(delta)
	}
}

// OrderFinish: 完成某一阶。
func (t *Terminal) OrderFinish(order int, ok bool, n int64, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.ordersDone++
	if t.isTTY {
		return
	}
	status := "done"
	if !ok {
		status = "fail"
	}
	t.println(fmt.Sprintf("[%s] order %d | 记录 %d | 用时 %s", status, order, n, formatDur(dur)))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		t.bar.Finish()
		t.bar = nil
	}
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 阶数 %d/%d | 记录 %d | 总用时 %s",
		tag, t.ordersDone, t.orders, t.records, formatDur(dur)))
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, safe(s)+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
}

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
