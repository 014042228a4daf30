package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"lminterp/internal/diag"
	"lminterp/internal/merge"
	"lminterp/internal/stream"
	"lminterp/internal/vocab"
	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

// - 单点并发：每条输入/输出流一个任务，经有界通道交接；各阶合并并发执行。
// - 首错取消：任一阶段出现错误，记录首错并 cancel 整体；排空后返回该错误。
// - 无部分成功：全部工件经管道暂存到 Writer，全部阶成功后统一提交，否则统一中止。

// Components 聚合运行所需的原子组件。
type Components struct {
	Opener contract.Opener
	Writer contract.Writer
}

// Model 描述单个输入模型：词表文件与 1..MaxOrder 各阶记录流。
type Model struct {
	Name  string
	Vocab string
	// VocabSize 为声明的词表条目数；0 表示先计数再合并。
	VocabSize int
	// Streams[o-1] 为第 o 阶记录流路径。
	Streams []string
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Models   []Model
	MaxOrder int
	// Buffer: 每条流的通道容量（记录数）。
	Buffer int
	// Prefix: 输出工件名前缀。
	Prefix string
	// Sentinel: 是否在每阶输出末尾追加哨兵记录。
	Sentinel bool
}

// 输出工件名。
func vocabID(prefix string) contract.ArtifactID { return contract.ArtifactID(prefix + ".vocab") }

func mapID(prefix string, model int) contract.ArtifactID {
	return contract.ArtifactID(prefix + ".map." + strconv.Itoa(model))
}

func orderID(prefix string, order int) contract.ArtifactID {
	return contract.ArtifactID(prefix + "." + strconv.Itoa(order))
}

// Run 执行完整流程：Vocab 合并 → 映射表与清单 → 各阶 Reader → Merge → Writer。
// 约束：
// - 任何错误都不会留下输出工件；
// - 常驻内存与记录总数无关：每阶 K 条当前记录 + 有界通道。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (err error) {
	if err := sanity(comp, set); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k := len(set.Models)
	term := diag.GetTerminal()
	runStart := time.Now()

	st := newStager(ctx, comp.Writer)
	var (
		readers []*stream.Reader
		writers []*stream.Writer
	)
	// 收尾：失败时先中止暂存（唤醒阻塞在管道上的写入），再回收读写任务。
	defer func() {
		if err != nil {
			st.abort(err)
		}
		for _, w := range writers {
			_ = w.Close()
		}
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	// 1) 词表合并
	uv, err := unify(ctx, comp, set, logger)
	if err != nil {
		return err
	}

	// 2) 词表与映射表工件
	if err := writeArtifact(st, vocabID(set.Prefix), uv.WriteVocab); err != nil {
		return fail(logger, "writer", "write vocab", err)
	}
	for m := 0; m < k; m++ {
		m := m
		if err := writeArtifact(st, mapID(set.Prefix, m), func(w io.Writer) error { return uv.WriteMapping(w, m) }); err != nil {
			return fail(logger, "writer", "write mapping", err)
		}
	}

	// 3) 各阶输入与输出
	packer, err := ngram.NewDepthPacker(k, set.MaxOrder)
	if err != nil {
		return fail(logger, "merge", "depth packer", err)
	}
	if err := writeArtifact(st, manifestID(set.Prefix), newManifest(set, uv.Size(), packer).write); err != nil {
		return fail(logger, "writer", "write manifest", err)
	}
	inputs := make([][]contract.Source, set.MaxOrder)
	outputs := make([]contract.Sink, set.MaxOrder)
	for o := 1; o <= set.MaxOrder; o++ {
		srcs := make([]contract.Source, k)
		for m, md := range set.Models {
			path := md.Streams[o-1]
			if logger != nil {
				logger.DebugStart("opener", "open", strconv.Itoa(o), strconv.Itoa(m), map[string]string{"path": path})
			}
			rc, oerr := comp.Opener.Open(ctx, path)
			if oerr != nil {
				return failAt(logger, "opener", "open stream", strconv.Itoa(o), strconv.Itoa(m), fmt.Errorf("model %d order %d: %w", m, o, oerr))
			}
			r := stream.NewReader(ctx, rc, m, o, set.Buffer)
			readers = append(readers, r)
			srcs[m] = r
		}
		inputs[o-1] = srcs
		layout := ngram.GammaLayout{Order: o, Packer: packer}
		w := stream.NewWriter(st.stage(orderID(set.Prefix, o)), layout, set.Buffer, set.Sentinel)
		writers = append(writers, w)
		outputs[o-1] = w
	}

	// 4) 合并
	total := estimateRecords(comp.Opener, set)
	if total == 0 && logger != nil {
		logger.Warn("pipeline", "record estimate unavailable", map[string]string{"opener": fmt.Sprintf("%T", comp.Opener)})
	}
	if term != nil {
		term.RunStart(set.MaxOrder, k, total)
		for o := 1; o <= set.MaxOrder; o++ {
			term.OrderStart(o)
		}
	}
	info := merge.Info{Models: k, MaxOrder: set.MaxOrder}
	if term != nil {
		info.Progress = term.Progress
	}
	mergeStart := time.Now()
	merr := merge.MergeProbabilities(ctx, info, inputs, outputs, logger)
	if term != nil {
		for o, w := range writers {
			if merr != nil {
				_ = w.Close()
			}
			term.OrderFinish(o+1, merr == nil, w.Count(), time.Since(mergeStart))
		}
	}
	if merr != nil {
		if term != nil {
			term.RunFinish(false, time.Since(runStart))
		}
		return fmt.Errorf("merge: %w", merr)
	}
	if logger != nil {
		var written int64
		for _, w := range writers {
			written += w.Count()
		}
		logger.InfoFinish("merge", "all orders", mergeStart, written)
	}

	// 5) 提交
	var ctimer *diag.Timer
	if logger != nil {
		ctimer = logger.Start("writer", "commit")
	}
	if cerr := st.commit(); cerr != nil {
		if term != nil {
			term.RunFinish(false, time.Since(runStart))
		}
		return fail(logger, "writer", "commit", cerr)
	}
	if ctimer != nil {
		ctimer.Finish("commit", int64(st.len()))
		diag.IncOp("writer", "finish", "success")
	}
	if term != nil {
		term.RunFinish(true, time.Since(runStart))
	}
	return nil
}

// unify 打开 K 个词表并建立全局词表；未声明条目数的先计数。
func unify(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (*vocab.UniversalVocab, error) {
	var timer *diag.Timer
	if logger != nil {
		timer = logger.StartWithKV("vocab", "unify", "", "", map[string]string{"models": strconv.Itoa(len(set.Models))})
	}
	sizes := make([]int, len(set.Models))
	files := make([]io.Reader, len(set.Models))
	closers := make([]io.Closer, 0, len(set.Models))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for m, md := range set.Models {
		sizes[m] = md.VocabSize
		if sizes[m] == 0 {
			n, err := countVocab(ctx, comp.Opener, md.Vocab)
			if err != nil {
				return nil, fail(logger, "vocab", "count entries", fmt.Errorf("model %d: %w", m, err))
			}
			sizes[m] = n
		}
		rc, err := comp.Opener.Open(ctx, md.Vocab)
		if err != nil {
			return nil, fail(logger, "opener", "open vocab", fmt.Errorf("model %d: %w", m, err))
		}
		closers = append(closers, rc)
		files[m] = rc
	}
	uv, err := vocab.UnifyVocabularies(files, sizes, vocab.NewTable())
	if err != nil {
		return nil, fail(logger, "vocab", "unify", fmt.Errorf("vocab unify: %w", err))
	}
	if timer != nil {
		timer.Finish("unify", int64(uv.Size()))
		diag.IncOp("vocab", "finish", "success")
		for m := 0; m < uv.Models(); m++ {
			logger.DebugStart("vocab", "model", "", strconv.Itoa(m), map[string]string{"entries": strconv.Itoa(uv.ModelSize(m))})
		}
	}
	return uv, nil
}

func countVocab(ctx context.Context, op contract.Opener, path string) (int, error) {
	rc, err := op.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return vocab.CountEntries(rc)
}

// estimateRecords 依据模型 0 各阶输入字节数估算记录总数；任一未知则返回 0。
func estimateRecords(op contract.Opener, set Settings) int64 {
	sz, ok := op.(contract.Sizer)
	if !ok || len(set.Models) == 0 {
		return 0
	}
	var total int64
	for o, path := range set.Models[0].Streams {
		n, err := sz.Size(path)
		if err != nil || n < 0 {
			return 0
		}
		total += n / int64(ngram.ProbStride(o+1))
	}
	return total
}

// writeArtifact 将 fill 的输出暂存为工件。
func writeArtifact(st *stager, id contract.ArtifactID, fill func(io.Writer) error) error {
	pw := st.stage(id)
	if err := fill(pw); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

// fail 统一记录错误日志与指标，原样返回 err。
func fail(logger *diag.Logger, comp, msg string, err error) error {
	return failAt(logger, comp, msg, "", "", err)
}

// failAt 同 fail，附带出错的阶与模型。
func failAt(logger *diag.Logger, comp, msg, order, model string, err error) error {
	if logger != nil {
		code := diag.Classify(err)
		logger.ErrorWith(comp, string(code), msg+": "+err.Error(), nil, order, model)
		diag.IncOp(comp, "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError(comp, string(code))
		}
	}
	return err
}

func sanity(c Components, s Settings) error {
	if c.Opener == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if len(s.Models) == 0 {
		return errors.New("pipeline: no models")
	}
	if s.MaxOrder < 1 || s.MaxOrder > ngram.MaxOrder {
		return fmt.Errorf("pipeline: max order %d out of range [1, %d]", s.MaxOrder, ngram.MaxOrder)
	}
	if s.Prefix == "" {
		return errors.New("pipeline: empty output prefix")
	}
	for m, md := range s.Models {
		if len(md.Streams) != s.MaxOrder {
			return fmt.Errorf("pipeline: model %d has %d streams, want %d", m, len(md.Streams), s.MaxOrder)
		}
		if md.VocabSize < 0 {
			return fmt.Errorf("pipeline: model %d has negative vocab size", m)
		}
		if md.Vocab == "-" && md.VocabSize == 0 {
			return fmt.Errorf("pipeline: model %d reads vocab from stdin without a declared size", m)
		}
	}
	return nil
}
