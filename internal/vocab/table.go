package vocab

import (
	"fmt"

	"lminterp/pkg/contract"
)

// Table: 跨模型共享的 字符串 → 全局 ID 表。
// 由调用方持有并传入 UnifyVocabularies；构造时已预置 <unk> → 0。
// 非并发安全：只在单次合并内使用。
type Table struct {
	ids   map[string]contract.WordIndex
	words []string
	limit uint64
}

// NewTable 返回仅含 <unk> 的新表。
func NewTable() *Table {
	return &Table{
		ids:   map[string]contract.WordIndex{contract.UnkWord: 0},
		words: []string{contract.UnkWord},
		limit: uint64(contract.MaxWordIndex),
	}
}

// Assign 返回 word 的全局 ID；首次出现时分配下一个未用 ID。
func (t *Table) Assign(word string) (contract.WordIndex, error) {
	if id, ok := t.Lookup(word); ok {
		return id, nil
	}
	next := uint64(len(t.words))
	if next >= t.limit {
		return 0, fmt.Errorf("%w: vocabulary exceeds %d distinct words", contract.ErrCapacity, t.limit)
	}
	id := contract.WordIndex(next)
	t.ids[word] = id
	t.words = append(t.words, word)
	return id, nil
}

// Lookup 查询已分配的 ID。
func (t *Table) Lookup(word string) (contract.WordIndex, bool) {
	id, ok := t.ids[word]
	return id, ok
}

// Len 返回已分配的 ID 数（含 <unk>）。
func (t *Table) Len() int { return len(t.words) }
