// Package vocab 将 K 个模型的词表统一到一个共享的全局 ID 空间。
package vocab

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"io"

	"lminterp/pkg/contract"
)

// UnifyVocabularies 合并 K 个词表文件，返回只读的 UniversalVocab。
//
// - 每个文件严格按本地 ID 顺序（0,1,2,…）读取，条目以 NUL 分隔；
// - 本地 ID 0 必须为 <unk>，否则返回指明模型的 FormatError；
// - 其后条目须按字节序严格递增（无重复），否则返回 FormatError；
// - 实际条目数必须等于 sizes[i]，否则返回 FormatError；
// - K 路游标按 (词字节序, 模型序号) 小顶堆归并，新词取 table 中下一个未用 ID，重复词复用已有 ID。
//
// 全局 ID 即合并后的字典序（<unk> 固定为 0）。
// table 为 nil 时使用新表。相同输入（同序）总是得到相同映射。
func UnifyVocabularies(files []io.Reader, sizes []int, table *Table) (*UniversalVocab, error) {
	if len(files) != len(sizes) {
		return nil, fmt.Errorf("%w: %d vocab files but %d declared sizes", contract.ErrInvariantViolation, len(files), len(sizes))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no vocab files", contract.ErrInvariantViolation)
	}
	if table == nil {
		table = NewTable()
	}
	for i, n := range sizes {
		if n < 1 {
			return nil, &contract.FormatError{Model: i, Reason: fmt.Sprintf("declared size %d, entry 0 must be %s", n, contract.UnkWord)}
		}
	}

	v := newUniversalVocab(sizes)
	h := make(cursorHeap, 0, len(files))
	for i, f := range files {
		c := &cursor{br: bufio.NewReader(f), model: i, size: sizes[i]}
		if err := c.advance(); err != nil {
			return nil, err
		}
		if c.eof || c.word != contract.UnkWord {
			return nil, &contract.FormatError{Model: i, Reason: "expected " + contract.UnkWord + " at index 0"}
		}
		v.maps[i][0] = 0
		if err := c.advance(); err != nil {
			return nil, err
		}
		if c.eof {
			if err := c.checkCount(); err != nil {
				return nil, err
			}
			continue
		}
		h = append(h, c)
	}
	heap.Init(&h)

	for h.Len() > 0 {
		c := h[0]
		id, err := table.Assign(c.word)
		if err != nil {
			return nil, err
		}
		v.maps[c.model][c.local] = id
		if err := c.advance(); err != nil {
			return nil, err
		}
		if c.eof {
			if err := c.checkCount(); err != nil {
				return nil, err
			}
			heap.Pop(&h)
			continue
		}
		heap.Fix(&h, 0)
	}

	v.words = append([]string(nil), table.words...)
	return v, nil
}

// CountEntries 统计 NUL 分隔条目数（末尾无 NUL 的非空片段计为一条）。
func CountEntries(r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	n := 0
	partial := false
	for {
		b, err := br.ReadSlice(0)
		switch {
		case err == nil:
			n++
			partial = false
		case errors.Is(err, bufio.ErrBufferFull):
			// 超长条目：继续读完该条
			partial = true
		case errors.Is(err, io.EOF):
			if len(b) > 0 || partial {
				n++
			}
			return n, nil
		default:
			return n, err
		}
	}
}

// cursor: 单个词表文件的读游标。
type cursor struct {
	br    *bufio.Reader
	model int
	size  int

	word  string
	local contract.WordIndex
	count int
	eof   bool
}

func (c *cursor) advance() error {
	b, err := c.br.ReadBytes(0)
	switch {
	case errors.Is(err, io.EOF):
		if len(b) == 0 {
			c.eof = true
			return nil
		}
	case err != nil:
		return fmt.Errorf("vocab: read model %d: %w", c.model, err)
	default:
		b = b[:len(b)-1]
	}
	if c.count >= c.size {
		return &contract.FormatError{Model: c.model, Reason: fmt.Sprintf("more than declared %d entries", c.size)}
	}
	// <unk> 之后的条目必须按字节序严格递增
	if c.count >= 2 && string(b) <= c.word {
		return &contract.FormatError{Model: c.model, Reason: fmt.Sprintf("entries not sorted at index %d", c.count)}
	}
	c.word = string(b)
	c.local = contract.WordIndex(c.count)
	c.count++
	return nil
}

func (c *cursor) checkCount() error {
	if c.count != c.size {
		return &contract.FormatError{Model: c.model, Reason: fmt.Sprintf("declared %d entries, found %d", c.size, c.count)}
	}
	return nil
}

// cursorHeap: 以 (当前词, 模型序号) 排序的小顶堆。
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if h[i].word != h[j].word {
		return h[i].word < h[j].word
	}
	return h[i].model < h[j].model
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}
