package vocab

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"lminterp/pkg/contract"
)

// UniversalVocab: (模型, 本地 ID) → 全局 ID 映射。
// 构造完成后只读，可被各阶合并任务无锁并发读取。
type UniversalVocab struct {
	maps  [][]contract.WordIndex
	words []string
}

func newUniversalVocab(sizes []int) *UniversalVocab {
	maps := make([][]contract.WordIndex, len(sizes))
	for i, n := range sizes {
		maps[i] = make([]contract.WordIndex, n)
	}
	return &UniversalVocab{maps: maps}
}

// GetUniversalIdx 返回 model 的本地 ID 对应的全局 ID（O(1)）。
// 越界访问属于调用方错误，会 panic。
func (v *UniversalVocab) GetUniversalIdx(model int, local contract.WordIndex) contract.WordIndex {
	return v.maps[model][local]
}

// Models 返回模型数 K。
func (v *UniversalVocab) Models() int { return len(v.maps) }

// ModelSize 返回 model 的词表大小。
func (v *UniversalVocab) ModelSize(model int) int { return len(v.maps[model]) }

// Size 返回全局词表大小（含 <unk>）。
func (v *UniversalVocab) Size() int { return len(v.words) }

// Word 返回全局 ID 对应的词。
func (v *UniversalVocab) Word(id contract.WordIndex) string { return v.words[id] }

// WriteVocab 以全局 ID 顺序写出合并词表（NUL 分隔，与输入格式一致）。
func (v *UniversalVocab) WriteVocab(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, word := range v.words {
		if _, err := bw.WriteString(word); err != nil {
			return err
		}
		if err := bw.WriteByte(0); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteMapping 写出 model 的 本地 → 全局 映射：按本地 ID 顺序的小端 uint32 序列。
// 供外部 ID 重映射阶段使用。
func (v *UniversalVocab) WriteMapping(w io.Writer, model int) error {
	if model < 0 || model >= len(v.maps) {
		return fmt.Errorf("vocab: model %d out of range [0,%d)", model, len(v.maps))
	}
	bw := bufio.NewWriter(w)
	var buf [4]byte
	for _, id := range v.maps[model] {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
