package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"lminterp/internal/stream"
)

// EnvPrefix 为环境变量覆盖的统一前缀。
const EnvPrefix = "LMINTERP_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：模型与 max_order 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Buffer:  stream.DefaultBuffer,
		Output:  Output{Prefix: "merged"},
		Logging: Logging{Level: "info"},
		Components: Components{
			Opener: "fs",
			Writer: "fs",
		},
	}
}

// LoadFile 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。
// 两者共用同一套严格字段校验。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		return LoadYAML(b)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadYAML 将 YAML 文档转为 JSON 后严格解析；options 子树原样保留为 JSON。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config: yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("config: empty yaml document")
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("config: yaml to json: %w", err)
	}
	return LoadJSON("", js)
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/字符串/原样 JSON 为“替换”；模型按 name 整体替换，新名追加在后。
func Merge(base, over Config) Config {
	out := base
	out.Models = cloneModels(base.Models)
	if over.MaxOrder != 0 {
		out.MaxOrder = over.MaxOrder
	}
	if over.Buffer != 0 {
		out.Buffer = over.Buffer
	}
	for _, m := range over.Models {
		replaced := false
		for i := range out.Models {
			if out.Models[i].Name == m.Name {
				out.Models[i] = mergeModel(out.Models[i], m)
				replaced = true
				break
			}
		}
		if !replaced {
			out.Models = append(out.Models, cloneModel(m))
		}
	}
	if strings.TrimSpace(over.Output.Prefix) != "" {
		out.Output.Prefix = strings.TrimSpace(over.Output.Prefix)
	}
	if over.Output.Sentinel != nil {
		v := *over.Output.Sentinel
		out.Output.Sentinel = &v
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	if over.Components.Opener != "" {
		out.Components.Opener = over.Components.Opener
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Options（完整替换对应键）
	if len(over.Options.Opener) > 0 {
		out.Options.Opener = cloneRaw(over.Options.Opener)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}
	return out
}

// mergeModel: 同名模型逐字段覆盖（空值不覆盖）。
func mergeModel(base, over Model) Model {
	out := cloneModel(base)
	if over.Vocab != "" {
		out.Vocab = over.Vocab
	}
	if over.VocabSize != 0 {
		out.VocabSize = over.VocabSize
	}
	if len(over.Streams) > 0 {
		out.Streams = cloneStrings(over.Streams)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LMINTERP_；集合之外的键忽略。
// 支持：MAX_ORDER, BUFFER, OUTPUT_PREFIX, OUTPUT_SENTINEL, LOG_LEVEL, COMPONENTS_{OPENER,WRITER},
// OPTIONS_{OPENER,WRITER}_JSON，以及 MODEL__<name>__{VOCAB,VOCAB_SIZE,STREAMS}（STREAMS 逗号分隔）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	models := map[string]*Model{}
	var order []string
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		switch nk {
		case "MAX_ORDER":
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("config: %sMAX_ORDER: %w", EnvPrefix, err)
			}
			over.MaxOrder = v
		case "BUFFER":
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("config: %sBUFFER: %w", EnvPrefix, err)
			}
			over.Buffer = v
		case "OUTPUT_PREFIX":
			over.Output.Prefix = strings.TrimSpace(val)
		case "OUTPUT_SENTINEL":
			if strings.TrimSpace(val) == "" {
				continue
			}
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return over, fmt.Errorf("config: %sOUTPUT_SENTINEL: %w", EnvPrefix, err)
			}
			over.Output.Sentinel = &b
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "COMPONENTS_OPENER":
			over.Components.Opener = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		case "OPTIONS_OPENER_JSON":
			// 原样 JSON；空值视为未设置
			if strings.TrimSpace(val) != "" {
				over.Options.Opener = json.RawMessage(val)
			}
		case "OPTIONS_WRITER_JSON":
			if strings.TrimSpace(val) != "" {
				over.Options.Writer = json.RawMessage(val)
			}
		default:
			// MODEL__name__FIELD
			if !strings.HasPrefix(nk, "MODEL__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			m, ok := models[name]
			if !ok {
				m = &Model{Name: name}
			}
			changed := false
			switch parts[2] {
			case "VOCAB":
				if tv := strings.TrimSpace(val); tv != "" {
					m.Vocab = tv
					changed = true
				}
			case "VOCAB_SIZE":
				v, err := atoi(val)
				if err != nil {
					return over, fmt.Errorf("config: %s%s: %w", EnvPrefix, nk, err)
				}
				m.VocabSize = v
				changed = true
			case "STREAMS":
				if s := splitComma(val); len(s) > 0 {
					m.Streams = s
					changed = true
				}
			}
			// 仅在发生有效变更时记录该模型；避免空值覆盖配置文件
			if changed && !ok {
				models[name] = m
				order = append(order, name)
			}
		}
	}
	// 模型序号决定映射表与深度向量的位置：仅由 ENV 引入的模型按名字排序，与 os.Environ 顺序无关
	sort.Strings(order)
	for _, name := range order {
		over.Models = append(over.Models, *models[name])
	}
	return over, nil
}

func cloneModels(in []Model) []Model {
	if len(in) == 0 {
		return nil
	}
	out := make([]Model, len(in))
	for i, m := range in {
		out[i] = cloneModel(m)
	}
	return out
}

func cloneModel(m Model) Model {
	m.Streams = cloneStrings(m.Streams)
	return m
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
