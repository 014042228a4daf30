package ngram

import (
	"fmt"
	"math/bits"
)

// MaxOrder: 输入记录以 1 字节承载回退深度，故最大阶为 255。
const MaxOrder = 255

// DepthPacker 将 K 个取值 ∈ [0, maxOrder] 的回退深度紧凑打包。
// - 每个值占 Bits = ceil(log2(maxOrder+1)) 位；
// - 第 i 个值占据位区间 [i*Bits, (i+1)*Bits)，位 b 存于字节 b/8 的第 b%8 位（LSB 优先）；
// - 值之间无填充，总长向上取整到整字节。
// 位宽按整次运行的最大阶计算一次，所有阶共用同一打包器。
type DepthPacker struct {
	models int
	bits   uint
	bytes  int
	max    uint8
}

// BitsFor 返回表示 [0, maxOrder] 所需的最少位数。
func BitsFor(maxOrder int) uint {
	return uint(bits.Len(uint(maxOrder)))
}

// NewDepthPacker 为 models 个模型、最大阶 maxOrder 构造打包器。
func NewDepthPacker(models, maxOrder int) (DepthPacker, error) {
	if models < 1 {
		return DepthPacker{}, fmt.Errorf("ngram: models must be >= 1, got %d", models)
	}
	if maxOrder < 1 || maxOrder > MaxOrder {
		return DepthPacker{}, fmt.Errorf("ngram: max order must be in [1,%d], got %d", MaxOrder, maxOrder)
	}
	b := BitsFor(maxOrder)
	return DepthPacker{
		models: models,
		bits:   b,
		bytes:  (models*int(b) + 7) / 8,
		max:    uint8(maxOrder),
	}, nil
}

// Models 返回打包的值个数 K。
func (p DepthPacker) Models() int { return p.models }

// Bits 返回每个值的位宽。
func (p DepthPacker) Bits() uint { return p.bits }

// Bytes 返回打包后的字节数。
func (p DepthPacker) Bytes() int { return p.bytes }

// Encode 将 depths 写入 dst[:Bytes()]（先清零）。
func (p DepthPacker) Encode(dst []byte, depths []uint8) error {
	if len(depths) != p.models {
		return fmt.Errorf("ngram: depth vector has %d values, want %d", len(depths), p.models)
	}
	if len(dst) < p.bytes {
		return fmt.Errorf("ngram: depth buffer %d bytes, want %d", len(dst), p.bytes)
	}
	out := dst[:p.bytes]
	for i := range out {
		out[i] = 0
	}
	for i, v := range depths {
		if v > p.max {
			return fmt.Errorf("ngram: depth %d of model %d exceeds max order %d", v, i, p.max)
		}
		off := uint(i) * p.bits
		for b := uint(0); b < p.bits; b++ {
			if v>>b&1 != 0 {
				pos := off + b
				out[pos/8] |= 1 << (pos % 8)
			}
		}
	}
	return nil
}

// Decode 从 src 解出 K 个值，追加到 dst[:0] 并返回。
func (p DepthPacker) Decode(src []byte, dst []uint8) ([]uint8, error) {
	if len(src) < p.bytes {
		return dst, fmt.Errorf("ngram: depth buffer %d bytes, want %d", len(src), p.bytes)
	}
	dst = dst[:0]
	for i := 0; i < p.models; i++ {
		off := uint(i) * p.bits
		var v uint8
		for b := uint(0); b < p.bits; b++ {
			pos := off + b
			if src[pos/8]>>(pos%8)&1 != 0 {
				v |= 1 << b
			}
		}
		dst = append(dst, v)
	}
	return dst, nil
}
