package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cfgpkg "lminterp/internal/config"
	"lminterp/internal/diag"
	"lminterp/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 默认配置文件名（按顺序探测工作目录）。
var defaultConfigNames = []string{"config.json", "config.yaml", "config.yml"}

// 简化的 CLI：单一动作 run，不接受位置参数。
// 全局旗标（最小集）：--config, --max-order, --buffer, --prefix, --sentinel, --log-level
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel)
	defer func() { _ = logger.Close() }()
	var (
		flagConfig   string
		flagMaxOrder int
		flagBuffer   int
		flagPrefix   string
		flagSentinel string
		flagLogLevel string
		flagInitDir  string
		flagStatus   bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（.json/.yaml/.yml）；缺省探测 ./config.json、./config.yaml")
	flag.IntVar(&flagMaxOrder, "max-order", 0, "模型最高阶（覆盖配置）")
	flag.IntVar(&flagBuffer, "buffer", 0, "每条流的通道容量（覆盖配置）")
	flag.StringVar(&flagPrefix, "prefix", "", "输出工件名前缀（覆盖配置）")
	// 字符串形式以区分“未设置”与显式 false
	flag.StringVar(&flagSentinel, "sentinel", "", "各阶输出末尾追加哨兵记录 true|false（覆盖配置）")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则失败，不覆盖）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 显示进度条；非 TTY 打点输出")
	normalizeInitArg()
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return 3
	}
	if flag.NArg() > 0 {
		fprintf(os.Stderr, "不接受位置参数: %v\n", flag.Args())
		return 3
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := os.MkdirAll(initDir, 0o755); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init config", &start)
			return 3
		}
		cfg := cfgpkg.DefaultTemplateConfig()
		if err := writeConfig(filepath.Join(initDir, "config.json"), cfg); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init config", &start)
			return 3
		}
		if err := writeDotEnv(filepath.Join(initDir, ".env")); err != nil {
			fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		}
		return 0
	}

	// 配置来源：ENV 内联 JSON 优先，其次文件
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		for _, name := range defaultConfigNames {
			if _, err := os.Stat(name); err == nil {
				flagConfig = name
				break
			}
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		var (
			base cfgpkg.Config
			err  error
		)
		if len(cfgJSON) > 0 {
			base, err = cfgpkg.LoadJSON("", cfgJSON)
		} else {
			base, err = cfgpkg.LoadFile(flagConfig)
		}
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "load config", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	// ENV 覆盖（最小集合）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "env overlay", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	if flagMaxOrder > 0 {
		overCLI.MaxOrder = flagMaxOrder
	}
	if flagBuffer > 0 {
		overCLI.Buffer = flagBuffer
	}
	overCLI.Output.Prefix = flagPrefix
	if s := strings.TrimSpace(flagSentinel); s != "" {
		b, perr := strconv.ParseBool(s)
		if perr != nil {
			fprintf(os.Stderr, "--sentinel 取值非法: %q\n", flagSentinel)
			return 3
		}
		overCLI.Output.Sentinel = &b
	}
	overCLI.Logging.Level = flagLogLevel
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), "validate", &start)
		return 3
	}

	// 使用最终配置中的日志级别重建 logger
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}
	_ = logger.Close()
	logger = diag.NewLogger(corrID, logLevel)

	// 预检：若使用文件系统 Writer，检查输出目录的可写性
	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("writer", string(diag.Classify(err)), "preflight", &start)
		return 3
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble", &start)
		return 3
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	if logger != nil {
		kv := map[string]string{
			"max_order": strconv.Itoa(cfg.MaxOrder),
			"models":    strconv.Itoa(len(cfg.Models)),
			"buffer":    strconv.Itoa(cfg.Buffer),
			"prefix":    set.Prefix,
			"sentinel":  strconv.FormatBool(set.Sentinel),
			"opener":    cfg.Components.Opener,
			"writer":    cfg.Components.Writer,
		}
		for i, m := range cfg.Models {
			kv["model_"+strconv.Itoa(i)] = m.Name
		}
		logger.DebugStart("config", "effective", "", "", kv)
	}

	// 中断信号 → 取消；流水线负责回收暂存工件
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t := logger.Start("pipeline", "run")
	if err := pipelineRun(ctx, comp, set, logger); err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error: "+err.Error(), &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "已取消\n")
		} else {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		return 1
	}
	if t != nil {
		t.Finish("run", int64(cfg.MaxOrder))
	}
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	logMetrics(logger)
	return 0
}

// logMetrics: debug 级别输出进程内指标快照。
func logMetrics(logger *diag.Logger) {
	if logger == nil {
		return
	}
	snap := diag.Snapshot()
	if len(snap) == 0 {
		return
	}
	kv := make(map[string]string, len(snap))
	for _, m := range snap {
		kv[m.Name] = strconv.FormatInt(m.Value, 10)
	}
	logger.DebugStart("diag", "metrics", "", "", kv)
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Close()
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "。
// - 仅按首个 '=' 分割；key 与 value 去首尾空白。
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义作最小处理。
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					val = strings.ReplaceAll(val, "\\n", "\n")
					val = strings.ReplaceAll(val, "\\t", "\t")
					val = strings.ReplaceAll(val, "\\\"", "\"")
					val = strings.ReplaceAll(val, "\\\\", "\\")
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用当前目录 "."。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# lminterp .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString(p + "CONFIG_FILE=\n")
	b.WriteString(p + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	b.WriteString(p + "MAX_ORDER=\n")
	b.WriteString(p + "BUFFER=\n")
	b.WriteString(p + "OUTPUT_PREFIX=\n")
	b.WriteString(p + "OUTPUT_SENTINEL=\n")
	b.WriteString(p + "LOG_LEVEL=\n\n")

	b.WriteString("# 组件选择与选项（原样 JSON）\n")
	b.WriteString(p + "COMPONENTS_OPENER=\n")
	b.WriteString(p + "COMPONENTS_WRITER=\n")
	b.WriteString(p + "OPTIONS_OPENER_JSON=\n")
	b.WriteString(p + "OPTIONS_WRITER_JSON=\n\n")

	b.WriteString("# 模型覆盖（按 name 定位；STREAMS 逗号分隔，按阶顺序）\n")
	for _, m := range cfgpkg.DefaultTemplateConfig().Models {
		b.WriteString(p + "MODEL__" + m.Name + "__VOCAB=\n")
		b.WriteString(p + "MODEL__" + m.Name + "__VOCAB_SIZE=\n")
		b.WriteString(p + "MODEL__" + m.Name + "__STREAMS=\n")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Close()
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// - 目录已存在：尝试创建并删除临时文件；
// - 目录不存在：检查父目录可写（创建并删除临时目录）。
// 其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	writerName := strings.TrimSpace(cfg.Components.Writer)
	if writerName == "" {
		writerName = cfgpkg.Defaults().Components.Writer
	}
	if writerName != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 未指定时无法可靠检查，让装配阶段按实现自行报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
