package ngram

import (
	"encoding/binary"
	"fmt"
	"math"

	"lminterp/pkg/contract"
)

// 字段宽度（字节）。所有多字节字段均为小端序。
const (
	WordBytes  = 4
	ProbBytes  = 4
	DepthBytes = 1
)

// 输入记录布局（order 阶）：
//
//	[0, 4*order)            word ids（uint32）
//	[4*order, 4*order+4)    log10 prob（float32）
//	[4*order+4]             backoff depth（uint8）

// ProbStride 返回 order 阶输入记录的定长步长。
func ProbStride(order int) int {
	return order*WordBytes + ProbBytes + DepthBytes
}

// EncodeProb 将 rec 写入 dst[:ProbStride(order)]，order 取自 len(rec.Words)。
func EncodeProb(dst []byte, rec contract.ProbRecord) error {
	order := len(rec.Words)
	if len(dst) < ProbStride(order) {
		return fmt.Errorf("ngram: buffer %d bytes, want %d", len(dst), ProbStride(order))
	}
	off := putWords(dst, rec.Words)
	binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(rec.Prob))
	dst[off+ProbBytes] = rec.Depth
	return nil
}

// DecodeProb 从 src 解码一条 order 阶输入记录；Words 为新分配的切片。
func DecodeProb(src []byte, order int) (contract.ProbRecord, error) {
	if len(src) < ProbStride(order) {
		return contract.ProbRecord{}, fmt.Errorf("ngram: buffer %d bytes, want %d", len(src), ProbStride(order))
	}
	words, off := getWords(src, order)
	return contract.ProbRecord{
		Words: words,
		Prob:  math.Float32frombits(binary.LittleEndian.Uint32(src[off:])),
		Depth: src[off+ProbBytes],
	}, nil
}

// GammaLayout 描述 order 阶 PartialProbGamma 输出记录：
//
//	[0, 4*order)                      word ids（uint32）
//	[4*order, 4*order+4)              合并后的 log10 prob（float32）
//	[4*order+4, +Packer.Bytes())      打包的 K 个回退深度
type GammaLayout struct {
	Order  int
	Packer DepthPacker
}

// Stride 返回输出记录的定长步长。
func (l GammaLayout) Stride() int {
	return l.Order*WordBytes + ProbBytes + l.Packer.Bytes()
}

// Encode 将 rec 写入 dst[:Stride()]。
func (l GammaLayout) Encode(dst []byte, rec contract.GammaRecord) error {
	if len(rec.Words) != l.Order {
		return fmt.Errorf("ngram: record has %d words, layout order %d", len(rec.Words), l.Order)
	}
	if len(dst) < l.Stride() {
		return fmt.Errorf("ngram: buffer %d bytes, want %d", len(dst), l.Stride())
	}
	off := putWords(dst, rec.Words)
	binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(rec.Prob))
	off += ProbBytes
	return l.Packer.Encode(dst[off:off+l.Packer.Bytes()], rec.Depths)
}

// Decode 从 src 解码一条输出记录。
func (l GammaLayout) Decode(src []byte) (contract.GammaRecord, error) {
	if len(src) < l.Stride() {
		return contract.GammaRecord{}, fmt.Errorf("ngram: buffer %d bytes, want %d", len(src), l.Stride())
	}
	words, off := getWords(src, l.Order)
	prob := math.Float32frombits(binary.LittleEndian.Uint32(src[off:]))
	off += ProbBytes
	depths, err := l.Packer.Decode(src[off:off+l.Packer.Bytes()], make([]uint8, 0, l.Packer.Models()))
	if err != nil {
		return contract.GammaRecord{}, err
	}
	return contract.GammaRecord{Words: words, Prob: prob, Depths: depths}, nil
}

// EncodeSentinel 写出 order 阶哨兵输出记录（概率与深度全 0）。
func (l GammaLayout) EncodeSentinel(dst []byte) error {
	return l.Encode(dst, contract.GammaRecord{
		Words:  Sentinel(l.Order),
		Depths: make([]uint8, l.Packer.Models()),
	})
}

func putWords(dst []byte, words []contract.WordIndex) int {
	off := 0
	for _, w := range words {
		binary.LittleEndian.PutUint32(dst[off:], uint32(w))
		off += WordBytes
	}
	return off
}

func getWords(src []byte, order int) ([]contract.WordIndex, int) {
	words := make([]contract.WordIndex, order)
	off := 0
	for i := range words {
		words[i] = contract.WordIndex(binary.LittleEndian.Uint32(src[off:]))
		off += WordBytes
	}
	return words, off
}
