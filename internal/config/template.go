package config

import (
	"encoding/json"
	"fmt"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 两个三阶模型，路径按 <name>.vocab / <name>.<order> 命名；
// - Writer 输出到 ./out 目录，原子替换、不压缩；
// - 选项包含全部键，值为安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	const order = 3
	cfg := Config{
		MaxOrder:   order,
		Buffer:     d.Buffer,
		Output:     d.Output,
		Logging:    d.Logging,
		Components: d.Components,
	}
	for _, name := range []string{"m0", "m1"} {
		m := Model{Name: name, Vocab: name + ".vocab"}
		for o := 1; o <= order; o++ {
			m.Streams = append(m.Streams, fmt.Sprintf("%s.%d", name, o))
		}
		cfg.Models = append(cfg.Models, m)
	}
	f := false
	cfg.Output.Sentinel = &f
	cfg.Options.Opener = json.RawMessage(`{
  "buf_size": 65536,
  "base_dir": ""
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "compression": "none",
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
