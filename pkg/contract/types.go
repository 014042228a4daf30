package contract

import "math"

// WordIndex: 全局（universal）词 ID。
type WordIndex uint32

// MaxWordIndex: 保留给哨兵记录；合法 ID 必须严格小于该值。
const MaxWordIndex WordIndex = math.MaxUint32

// UnkWord: 每个模型本地 ID 0 处的未登录词标记，对应全局 ID 0。
const UnkWord = "<unk>"

// ProbRecord: 单模型、单阶的输入记录。
// 约束：
// - len(Words) == order，按后缀序（最右词优先）排列；
// - Prob 为 log10 概率；
// - Depth ∈ [0, order-1]，0 表示直接命中 order 长度的估计。
type ProbRecord struct {
	Words []WordIndex
	Prob  float32
	Depth uint8
}

// GammaRecord: 合并输出记录（PartialProbGamma）。
// Prob 为 K 个模型 log10 概率之和；Depths 按模型序逐一保留各自的回退深度。
type GammaRecord struct {
	Words  []WordIndex
	Prob   float32
	Depths []uint8
}
