package config

import (
	"errors"
	"fmt"
	"strings"

	"lminterp/internal/pipeline"
	"lminterp/pkg/ngram"
	"lminterp/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if cfg.MaxOrder < 1 || cfg.MaxOrder > ngram.MaxOrder {
		return fmt.Errorf("config: max_order must be in [1, %d], got %d", ngram.MaxOrder, cfg.MaxOrder)
	}
	if cfg.Buffer < 1 {
		return errors.New("config: buffer must be >= 1")
	}
	if len(cfg.Models) == 0 {
		return errors.New("config: models empty")
	}
	seen := make(map[string]bool, len(cfg.Models))
	stdin := 0
	for i, m := range cfg.Models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("config: model %d missing name", i)
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate model name %q", name)
		}
		seen[name] = true
		if strings.TrimSpace(m.Vocab) == "" {
			return fmt.Errorf("config: model %q missing vocab", name)
		}
		if m.VocabSize < 0 {
			return fmt.Errorf("config: model %q vocab_size must be >= 0", name)
		}
		// STDIN 只能读一次：未声明条目数时需先计数再合并，读不了两遍
		if isStdin(m.Vocab) {
			if m.VocabSize == 0 {
				return fmt.Errorf("config: model %q reads vocab from stdin, vocab_size required", name)
			}
			stdin++
		}
		// 每阶恰好一条流，顺序即阶数
		if len(m.Streams) != cfg.MaxOrder {
			return fmt.Errorf("config: model %q has %d streams, max_order is %d", name, len(m.Streams), cfg.MaxOrder)
		}
		for o, s := range m.Streams {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("config: model %q order %d stream path empty", name, o+1)
			}
			if isStdin(s) {
				stdin++
			}
		}
	}
	if stdin > 1 {
		return fmt.Errorf("config: stdin (-) used by %d inputs, at most one allowed", stdin)
	}
	if strings.TrimSpace(cfg.Output.Prefix) == "" {
		return errors.New("config: output.prefix empty")
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	if name := effName(cfg.Components.Opener, Defaults().Components.Opener); registry.Opener[name] == nil {
		return fmt.Errorf("config: opener %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, Defaults().Components.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	d := Defaults()
	on := effName(cfg.Components.Opener, d.Components.Opener)
	wn := effName(cfg.Components.Writer, d.Components.Writer)

	op, err := registry.Opener[on](cfg.Options.Opener)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: opener %q options: %w", on, err)
	}
	w, err := registry.Writer[wn](cfg.Options.Writer)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: writer %q options: %w", wn, err)
	}

	models := make([]pipeline.Model, len(cfg.Models))
	for i, m := range cfg.Models {
		models[i] = pipeline.Model{
			Name:      strings.TrimSpace(m.Name),
			Vocab:     strings.TrimSpace(m.Vocab),
			VocabSize: m.VocabSize,
			Streams:   cloneStrings(m.Streams),
		}
	}
	set := pipeline.Settings{
		Models:   models,
		MaxOrder: cfg.MaxOrder,
		Buffer:   cfg.Buffer,
		Prefix:   strings.TrimSpace(cfg.Output.Prefix),
		Sentinel: cfg.Output.Sentinel != nil && *cfg.Output.Sentinel,
	}
	return pipeline.Components{Opener: op, Writer: w}, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func isStdin(path string) bool { return strings.TrimSpace(path) == "-" }
