package merge

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

// sliceSource 依次返回预置记录；err 非空时在记录耗尽后返回 err。
type sliceSource struct {
	recs []contract.ProbRecord
	pos  int
	err  error
}

func (s *sliceSource) Next(ctx context.Context) (contract.ProbRecord, error) {
	if err := ctx.Err(); err != nil {
		return contract.ProbRecord{}, err
	}
	if s.pos >= len(s.recs) {
		if s.err != nil {
			return contract.ProbRecord{}, s.err
		}
		return contract.ProbRecord{}, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

// blockingSource 在 ctx 取消前一直阻塞。
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (contract.ProbRecord, error) {
	<-ctx.Done()
	return contract.ProbRecord{}, ctx.Err()
}

type memSink struct {
	mu     sync.Mutex
	recs   []contract.GammaRecord
	closed bool
}

func (s *memSink) Put(ctx context.Context, r contract.GammaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func pr(prob float32, depth uint8, words ...contract.WordIndex) contract.ProbRecord {
	return contract.ProbRecord{Words: words, Prob: prob, Depth: depth}
}

func src(recs ...contract.ProbRecord) *sliceSource { return &sliceSource{recs: recs} }

func run(t *testing.T, info Info, inputs [][]contract.Source) ([]*memSink, error) {
	t.Helper()
	sinks := make([]*memSink, len(inputs))
	outs := make([]contract.Sink, len(inputs))
	for i := range sinks {
		sinks[i] = &memSink{}
		outs[i] = sinks[i]
	}
	err := MergeProbabilities(context.Background(), info, inputs, outs, nil)
	return sinks, err
}

// 合并：概率求和、深度向量按模型序、各阶关闭输出
func TestMergeCombines(t *testing.T) {
	inputs := [][]contract.Source{
		{
			src(pr(-1, 0, 1), pr(-2, 0, 2), pr(-3, 0, 3)),
			src(pr(-0.5, 0, 1), pr(-0.25, 0, 2), pr(-0.125, 0, 3)),
		},
		{
			src(pr(-1, 0, 1, 2), pr(-1, 1, 3, 2)),
			src(pr(-2, 1, 1, 2), pr(-0.5, 0, 3, 2)),
		},
	}
	var progressed int64
	info := Info{Models: 2, MaxOrder: 2, Progress: func(_ int, n int64) { atomic.AddInt64(&progressed, n) }}
	sinks, err := run(t, info, inputs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !sinks[0].closed || !sinks[1].closed {
		t.Fatalf("sinks should be closed on success")
	}
	if len(sinks[0].recs) != 3 || len(sinks[1].recs) != 2 {
		t.Fatalf("unexpected counts %d %d", len(sinks[0].recs), len(sinks[1].recs))
	}
	if got := sinks[0].recs[1]; got.Prob != -2.25 || got.Words[0] != 2 {
		t.Fatalf("unigram 2: %+v", got)
	}
	got := sinks[1].recs[0]
	if got.Prob != -3 || got.Depths[0] != 0 || got.Depths[1] != 1 {
		t.Fatalf("bigram 0: %+v", got)
	}
	got = sinks[1].recs[1]
	if got.Prob != -1.5 || got.Depths[0] != 1 || got.Depths[1] != 0 {
		t.Fatalf("bigram 1: %+v", got)
	}
	if progressed != 5 {
		t.Fatalf("progress reported %d records, want 5", progressed)
	}
}

// 单阶边界：order=1 只有一条记录，K=3
func TestMergeOrderOneBoundary(t *testing.T) {
	inputs := [][]contract.Source{{src(pr(-1, 0, 0)), src(pr(-1, 0, 0)), src(pr(-1, 0, 0))}}
	sinks, err := run(t, Info{Models: 3, MaxOrder: 1}, inputs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(sinks[0].recs) != 1 || sinks[0].recs[0].Prob != -3 || len(sinks[0].recs[0].Depths) != 3 {
		t.Fatalf("unexpected output %+v", sinks[0].recs)
	}
	// 空流同时耗尽：输出为空但正常关闭
	sinks, err = run(t, Info{Models: 2, MaxOrder: 1}, [][]contract.Source{{src(), src()}})
	if err != nil || !sinks[0].closed || len(sinks[0].recs) != 0 {
		t.Fatalf("empty streams: err=%v closed=%v n=%d", err, sinks[0].closed, len(sinks[0].recs))
	}
}

// 故障注入：第 2 步失配，此前记录已输出，之后不再输出
func TestMergeMismatchNoEmissionPastDivergence(t *testing.T) {
	inputs := [][]contract.Source{{
		src(pr(-1, 0, 1), pr(-1, 0, 2), pr(-1, 0, 3), pr(-1, 0, 4)),
		src(pr(-1, 0, 1), pr(-1, 0, 2), pr(-1, 0, 5), pr(-1, 0, 6)),
	}}
	sinks, err := run(t, Info{Models: 2, MaxOrder: 1}, inputs)
	var ae *contract.AlignmentError
	if !errors.As(err, &ae) {
		t.Fatalf("want AlignmentError, got %v", err)
	}
	if ae.Order != 1 || ae.Step != 2 || ae.Model != 1 {
		t.Fatalf("unexpected location %+v", ae)
	}
	if !errors.Is(err, contract.ErrMergeAlignment) {
		t.Fatalf("should unwrap to ErrMergeAlignment")
	}
	if len(sinks[0].recs) != 2 {
		t.Fatalf("emitted %d records, want 2", len(sinks[0].recs))
	}
	if sinks[0].closed {
		t.Fatalf("sink must not be closed on failure")
	}
}

// 非同时耗尽
func TestMergeUnevenExhaustion(t *testing.T) {
	inputs := [][]contract.Source{{
		src(pr(-1, 0, 1), pr(-1, 0, 2)),
		src(pr(-1, 0, 1)),
		src(pr(-1, 0, 1), pr(-1, 0, 2)),
	}}
	_, err := run(t, Info{Models: 3, MaxOrder: 1}, inputs)
	var ae *contract.AlignmentError
	if !errors.As(err, &ae) || ae.Step != 1 || ae.Model != 1 {
		t.Fatalf("want AlignmentError at step 1 model 1, got %v", err)
	}
}

// 哨兵不同时出现
func TestMergeSentinelNotCoOccurring(t *testing.T) {
	inputs := [][]contract.Source{{
		src(pr(-1, 0, 1, 2), contract.ProbRecord{Words: ngram.Sentinel(2)}),
		src(pr(-1, 0, 1, 2), pr(-1, 0, 3, 2)),
	}}
	_, err := run(t, Info{Models: 2, MaxOrder: 2}, [][]contract.Source{{src(), src()}, inputs[0]})
	if !errors.Is(err, contract.ErrMergeAlignment) {
		t.Fatalf("want alignment error, got %v", err)
	}
	// 同时出现则视为正常结束
	inputs = [][]contract.Source{{
		src(pr(-1, 0, 7), contract.ProbRecord{Words: ngram.Sentinel(1)}),
		src(pr(-1, 0, 7), contract.ProbRecord{Words: ngram.Sentinel(1)}),
	}}
	sinks, err := run(t, Info{Models: 2, MaxOrder: 1}, inputs)
	if err != nil || len(sinks[0].recs) != 1 {
		t.Fatalf("co-occurring sentinels: err=%v n=%d", err, len(sinks[0].recs))
	}
}

func TestMergeFormatChecks(t *testing.T) {
	// 深度越界
	_, err := run(t, Info{Models: 1, MaxOrder: 2}, [][]contract.Source{
		{src()},
		{src(pr(-1, 2, 1, 2))},
	})
	var fe *contract.FormatError
	if !errors.As(err, &fe) || fe.Order != 2 || fe.Model != 0 {
		t.Fatalf("want FormatError for depth, got %v", err)
	}
	// 词数与阶不符
	_, err = run(t, Info{Models: 2, MaxOrder: 1}, [][]contract.Source{
		{src(pr(-1, 0, 1)), src(pr(-1, 0, 1, 2))},
	})
	if !errors.As(err, &fe) || fe.Model != 1 {
		t.Fatalf("want FormatError for word count, got %v", err)
	}
}

func TestMergeRequiresAscendingOrder(t *testing.T) {
	inputs := [][]contract.Source{{src(pr(-1, 0, 3), pr(-1, 0, 2))}}
	sinks, err := run(t, Info{Models: 1, MaxOrder: 1}, inputs)
	if !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("want invariant violation, got %v", err)
	}
	if len(sinks[0].recs) != 1 {
		t.Fatalf("emitted %d, want 1", len(sinks[0].recs))
	}
	// 重复 ngram 同样违例
	_, err = run(t, Info{Models: 1, MaxOrder: 1}, [][]contract.Source{{src(pr(-1, 0, 3), pr(-1, 0, 3))}})
	if !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("duplicate: want invariant violation, got %v", err)
	}
}

func TestMergeSourceErrorPropagates(t *testing.T) {
	boom := errors.New("disk gone")
	s := src(pr(-1, 0, 1))
	s.err = boom
	_, err := run(t, Info{Models: 2, MaxOrder: 1}, [][]contract.Source{{s, src(pr(-1, 0, 1), pr(-1, 0, 2))}})
	if !errors.Is(err, boom) {
		t.Fatalf("want source error, got %v", err)
	}
}

// 首错取消其余阶：阻塞中的阶必须随之返回
func TestMergeFirstErrorCancelsOtherOrders(t *testing.T) {
	inputs := [][]contract.Source{
		{src(pr(-1, 0, 1)), src(pr(-1, 0, 2))},
		{blockingSource{}, blockingSource{}},
		{blockingSource{}, blockingSource{}},
	}
	done := make(chan error, 1)
	go func() {
		_, err := run(t, Info{Models: 2, MaxOrder: 3}, inputs)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, contract.ErrMergeAlignment) {
			t.Fatalf("first error should be returned, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("merge did not stop after first error")
	}
}

func TestMergeParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := MergeProbabilities(ctx, Info{Models: 1, MaxOrder: 1},
		[][]contract.Source{{blockingSource{}}}, []contract.Sink{&memSink{}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestMergeArguments(t *testing.T) {
	cases := []struct {
		info   Info
		inputs [][]contract.Source
		outs   []contract.Sink
	}{
		{Info{Models: 0, MaxOrder: 1}, [][]contract.Source{{}}, []contract.Sink{&memSink{}}},
		{Info{Models: 1, MaxOrder: 0}, nil, nil},
		{Info{Models: 1, MaxOrder: 256}, nil, nil},
		{Info{Models: 1, MaxOrder: 2}, [][]contract.Source{{src()}}, []contract.Sink{&memSink{}}},
		{Info{Models: 2, MaxOrder: 1}, [][]contract.Source{{src()}}, []contract.Sink{&memSink{}}},
		{Info{Models: 1, MaxOrder: 1}, [][]contract.Source{{nil}}, []contract.Sink{&memSink{}}},
		{Info{Models: 1, MaxOrder: 1}, [][]contract.Source{{src()}}, []contract.Sink{nil}},
	}
	for i, c := range cases {
		if err := MergeProbabilities(context.Background(), c.info, c.inputs, c.outs, nil); err == nil {
			t.Fatalf("case %d: expected argument error", i)
		}
	}
}

// 性质：对齐的随机输入，输出唯一、严格后缀序、恰为输入并集
func TestMergeRandomAlignedStreams(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const k, order = 4, 3
	seen := map[[order]contract.WordIndex]bool{}
	var grams [][]contract.WordIndex
	for len(grams) < 5000 {
		var key [order]contract.WordIndex
		for i := range key {
			key[i] = contract.WordIndex(rng.Intn(50))
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		grams = append(grams, append([]contract.WordIndex(nil), key[:]...))
	}
	sort.Slice(grams, func(i, j int) bool { return ngram.Compare(grams[i], grams[j]) < 0 })

	inputs := make([][]contract.Source, order)
	for o := 0; o < order-1; o++ {
		inputs[o] = []contract.Source{src(), src(), src(), src()}
	}
	var want []float32
	srcs := make([]contract.Source, k)
	for m := 0; m < k; m++ {
		s := &sliceSource{}
		for _, g := range grams {
			s.recs = append(s.recs, pr(-0.25*float32(m+1), uint8(rng.Intn(order)), g...))
		}
		srcs[m] = s
	}
	for range grams {
		want = append(want, -0.25*(1+2+3+4))
	}
	inputs[order-1] = srcs

	var progressed int64
	sinks, err := run(t, Info{Models: k, MaxOrder: order, Progress: func(_ int, n int64) { atomic.AddInt64(&progressed, n) }}, inputs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	out := sinks[order-1].recs
	if len(out) != len(grams) || progressed != int64(len(grams)) {
		t.Fatalf("got %d records (progress %d), want %d", len(out), progressed, len(grams))
	}
	for i, r := range out {
		if !ngram.Equal(r.Words, grams[i]) || r.Prob != want[i] {
			t.Fatalf("record %d: %+v", i, r)
		}
		if i > 0 && ngram.Compare(out[i-1].Words, r.Words) >= 0 {
			t.Fatalf("output not strictly ascending at %d", i)
		}
		for m, d := range r.Depths {
			if d != srcs[m].(*sliceSource).recs[i].Depth {
				t.Fatalf("depth mismatch at %d model %d", i, m)
			}
		}
	}
}
