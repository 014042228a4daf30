package diag

import (
	"sort"
	"strings"
	"sync"
)

// 进程内最小指标（无导出器）：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计）
var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	add(key("op_total", comp, stage, result), 1)
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	add(key("error_total", comp, code), 1)
}

// ObserveDuration 累加阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	add(key("op_duration_ms", comp, stage), durMS)
}

// Metric 为快照中的单个计数。
type Metric struct {
	Name  string
	Value int64
}

// Snapshot 返回按名称排序的当前计数。
func Snapshot() []Metric {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := make([]Metric, 0, len(counters))
	for k, v := range counters {
		out = append(out, Metric{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetMetrics 清空计数（测试与多次运行之间使用）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	metricsMu.Unlock()
}

func add(k string, v int64) {
	metricsMu.Lock()
	counters[k] += v
	metricsMu.Unlock()
}

func key(name string, labels ...string) string {
	return name + "{" + strings.Join(labels, ",") + "}"
}
