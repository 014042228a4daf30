// Package ngram 定义插值合并阶段的二进制记录格式。
//
// 该格式由本仓库（写端）与外部模型装配阶段（读端）逐位共享；
// 任何字段顺序或打包方式的变更都必须提升 FormatVersion。
package ngram

import "lminterp/pkg/contract"

// FormatVersion: 记录布局版本；每次运行写入 <prefix>.meta 的 format_version。
const FormatVersion = 1

// Compare 按后缀序比较两个等长 ngram：自最右词向左逐一比较。
// 返回 -1/0/1。长度不同视为调用方错误，按较短者比较后以长度决胜。
func Compare(a, b []contract.WordIndex) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		switch {
		case a[i] < b[j]:
			return -1
		case a[i] > b[j]:
			return 1
		}
		i--
		j--
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Equal 判断两个 ngram 身份是否相同。
func Equal(a, b []contract.WordIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Sentinel 返回 order 阶的哨兵身份（全部为 MaxWordIndex）。
func Sentinel(order int) []contract.WordIndex {
	w := make([]contract.WordIndex, order)
	for i := range w {
		w[i] = contract.MaxWordIndex
	}
	return w
}

// IsSentinel: 所有词 ID 均为 MaxWordIndex。空切片不是哨兵。
func IsSentinel(words []contract.WordIndex) bool {
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if w != contract.MaxWordIndex {
			return false
		}
	}
	return true
}
