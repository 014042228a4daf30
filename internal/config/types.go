package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。
type Config struct {
	// MaxOrder: 模型最高阶（1..255），同时决定深度打包位宽。
	MaxOrder int `json:"max_order"`
	// Buffer: 每条流的通道容量（记录数）。
	Buffer  int     `json:"buffer"`
	Models  []Model `json:"models"`
	Output  Output  `json:"output"`
	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Model: 单个输入模型。Name 在配置内唯一，用于 ENV 覆盖定位。
type Model struct {
	Name  string `json:"name"`
	Vocab string `json:"vocab"`
	// VocabSize: 声明的词表条目数；0 表示运行时计数。
	VocabSize int `json:"vocab_size"`
	// Streams: 1..max_order 各阶记录流路径（按阶顺序）。
	Streams []string `json:"streams"`
}

// Output: 输出工件命名与格式。
type Output struct {
	Prefix string `json:"prefix"`
	// Sentinel: 各阶输出末尾追加哨兵记录；nil 表示未设置（默认 false）。
	Sentinel *bool `json:"sentinel,omitempty"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Opener string `json:"opener"`
	Writer string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Opener json.RawMessage `json:"opener"`
	Writer json.RawMessage `json:"writer"`
}
