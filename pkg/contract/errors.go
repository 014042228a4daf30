package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（哨兵）。
var (
	// ErrFormat: 词表或记录流格式错误（缺失 <unk>、条目数与声明不符、记录截断等）。
	ErrFormat = errors.New("format error")
	// ErrMergeAlignment: 同阶 K 路输入在同一步上 ngram 不一致，或哨兵未同时出现。
	ErrMergeAlignment = errors.New("merge alignment error")
	// ErrCapacity: 全局 ID 数超过可表示范围。
	ErrCapacity = errors.New("capacity exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)

// FormatError 指明出错的模型（以及可选的阶）。
type FormatError struct {
	Model  int
	Order  int // 0 表示词表
	Reason string
}

func (e *FormatError) Error() string {
	if e.Order > 0 {
		return fmt.Sprintf("format error: model %d order %d: %s", e.Model, e.Order, e.Reason)
	}
	return fmt.Sprintf("format error: model %d vocab: %s", e.Model, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// AlignmentError 记录首个失配的位置：阶、步号（从 0 计）与失配模型。
type AlignmentError struct {
	Order  int
	Step   int64
	Model  int
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("merge alignment error: order %d step %d model %d: %s", e.Order, e.Step, e.Model, e.Reason)
}

func (e *AlignmentError) Unwrap() error { return ErrMergeAlignment }
