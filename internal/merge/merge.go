// Package merge 将同一阶的 K 路有序概率流同步合并为 PartialProbGamma 流。
//
// 每阶一个 goroutine，驻留状态仅为每路当前记录；任一阶出错即记录首错并取消其余各阶，
// 排空后返回该错误。失败时不调用对应 Sink 的 Close，提交与丢弃由调用方决定。
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"

	"lminterp/internal/diag"
	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

// Info 描述一次合并运行。
type Info struct {
	Models   int
	MaxOrder int
	// Progress 可选：按批回报某阶新增的输出记录数（并发调用）。
	Progress func(order int, n int64)
}

// 进度回报粒度（记录数）。
const progressEvery = 4096

// MergeProbabilities 对 1..MaxOrder 各阶并发执行合并。
// modelsByOrder[o-1] 为第 o 阶的 K 路输入，outputs[o-1] 为其输出。
func MergeProbabilities(ctx context.Context, info Info, modelsByOrder [][]contract.Source, outputs []contract.Sink, logger *diag.Logger) error {
	if err := sanity(info, modelsByOrder, outputs); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	wg.Add(info.MaxOrder)
	for o := 1; o <= info.MaxOrder; o++ {
		go func(order int) {
			defer wg.Done()
			ord := strconv.Itoa(order)
			var timer *diag.Timer
			if logger != nil {
				timer = logger.StartWith("merge", "order", ord, "")
			}
			start := time.Now()
			n, err := mergeOrder(ctx, info, order, modelsByOrder[order-1], outputs[order-1])
			if err != nil {
				first := false
				once.Do(func() {
					firstErr = err
					first = true
					cancel()
				})
				// 被兄弟阶取消的不再重复记错
				if logger != nil && (first || !errors.Is(err, context.Canceled)) {
					code := diag.Classify(err)
					logger.ErrorWithKV("merge", string(code), err.Error(), &start, ord, failingModel(err),
						map[string]string{"emitted": strconv.FormatInt(n, 10)})
					diag.IncOp("merge", "error", "error")
					if code != diag.CodeUnknown {
						diag.IncError("merge", string(code))
					}
				}
				return
			}
			if timer != nil {
				timer.Finish("order", n)
				diag.IncOp("merge", "finish", "success")
			}
		}(o)
	}
	wg.Wait()
	return firstErr
}

func sanity(info Info, modelsByOrder [][]contract.Source, outputs []contract.Sink) error {
	if info.Models < 1 {
		return errors.New("no models")
	}
	if info.MaxOrder < 1 || info.MaxOrder > ngram.MaxOrder {
		return fmt.Errorf("max order %d out of range [1, %d]", info.MaxOrder, ngram.MaxOrder)
	}
	if len(modelsByOrder) != info.MaxOrder || len(outputs) != info.MaxOrder {
		return fmt.Errorf("want %d orders, got %d inputs and %d outputs", info.MaxOrder, len(modelsByOrder), len(outputs))
	}
	for i, srcs := range modelsByOrder {
		if len(srcs) != info.Models {
			return fmt.Errorf("order %d: want %d sources, got %d", i+1, info.Models, len(srcs))
		}
		for m, s := range srcs {
			if s == nil {
				return fmt.Errorf("order %d: nil source for model %d", i+1, m)
			}
		}
		if outputs[i] == nil {
			return fmt.Errorf("order %d: nil output", i+1)
		}
	}
	return nil
}

// mergeOrder 合并单阶；返回已输出的记录数。
func mergeOrder(ctx context.Context, info Info, order int, srcs []contract.Source, sink contract.Sink) (int64, error) {
	k := len(srcs)
	cur := make([]contract.ProbRecord, k)
	done := make([]bool, k)
	probs := make([]float64, k)
	var (
		prev    []contract.WordIndex
		step    int64
		pending int64
	)
	report := func() {
		if info.Progress != nil && pending > 0 {
			info.Progress(order, pending)
		}
		pending = 0
	}
	defer report()

	load := func(m int) error {
		rec, err := srcs[m].Next(ctx)
		if errors.Is(err, io.EOF) {
			done[m] = true
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("merge: order %d model %d: %w", order, m, err)
		}
		// 上游若以哨兵表示结束，同样视为耗尽
		if ngram.IsSentinel(rec.Words) {
			done[m] = true
			return nil
		}
		cur[m] = rec
		return nil
	}
	for m := range srcs {
		if err := load(m); err != nil {
			return step, err
		}
	}

	for {
		exhausted := 0
		for m := range done {
			if done[m] {
				exhausted++
			}
		}
		if exhausted == k {
			report()
			if err := sink.Close(); err != nil {
				return step, fmt.Errorf("merge: close order %d: %w", order, err)
			}
			return step, nil
		}
		if exhausted > 0 {
			m := 1
			for done[m] == done[0] {
				m++
			}
			return step, &contract.AlignmentError{Order: order, Step: step, Model: m,
				Reason: "stream exhausted while others continue"}
		}

		for m := range cur {
			if len(cur[m].Words) != order {
				return step, &contract.FormatError{Model: m, Order: order,
					Reason: fmt.Sprintf("record has %d words", len(cur[m].Words))}
			}
			if int(cur[m].Depth) >= order {
				return step, &contract.FormatError{Model: m, Order: order,
					Reason: fmt.Sprintf("backoff depth %d out of range", cur[m].Depth)}
			}
		}
		words := cur[0].Words
		for m := 1; m < k; m++ {
			if !ngram.Equal(words, cur[m].Words) {
				return step, &contract.AlignmentError{Order: order, Step: step, Model: m,
					Reason: fmt.Sprintf("ngram %v differs from model 0 ngram %v", cur[m].Words, words)}
			}
		}
		if prev != nil && ngram.Compare(prev, words) >= 0 {
			return step, fmt.Errorf("%w: order %d step %d: ngram %v not after %v",
				contract.ErrInvariantViolation, order, step, words, prev)
		}

		depths := make([]uint8, k)
		for m := range cur {
			probs[m] = float64(cur[m].Prob)
			depths[m] = cur[m].Depth
		}
		out := contract.GammaRecord{Words: words, Prob: float32(floats.Sum(probs)), Depths: depths}
		if err := sink.Put(ctx, out); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return step, err
			}
			return step, fmt.Errorf("merge: put order %d: %w", order, err)
		}
		prev = words
		step++
		pending++
		if pending >= progressEvery {
			report()
		}

		for m := range srcs {
			if err := load(m); err != nil {
				return step, err
			}
		}
	}
}

func failingModel(err error) string {
	var ae *contract.AlignmentError
	if errors.As(err, &ae) {
		return strconv.Itoa(ae.Model)
	}
	var fe *contract.FormatError
	if errors.As(err, &fe) {
		return strconv.Itoa(fe.Model)
	}
	return ""
}
