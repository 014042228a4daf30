package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

func encodeProbs(t *testing.T, recs ...contract.ProbRecord) []byte {
	t.Helper()
	var out []byte
	for _, r := range recs {
		buf := make([]byte, ngram.ProbStride(len(r.Words)))
		if err := ngram.EncodeProb(buf, r); err != nil {
			t.Fatalf("encode: %v", err)
		}
		out = append(out, buf...)
	}
	return out
}

func rec(prob float32, depth uint8, words ...contract.WordIndex) contract.ProbRecord {
	return contract.ProbRecord{Words: words, Prob: prob, Depth: depth}
}

func drain(t *testing.T, r *Reader) ([]contract.ProbRecord, error) {
	t.Helper()
	var got []contract.ProbRecord
	for {
		x, err := r.Next(context.Background())
		if err != nil {
			return got, err
		}
		got = append(got, x)
	}
}

// 干净 EOF 与哨兵均视为耗尽
func TestReaderExhaustion(t *testing.T) {
	body := encodeProbs(t, rec(-1, 0, 1, 2), rec(-2, 1, 3, 2))
	withSentinel := append(append([]byte{}, body...),
		encodeProbs(t, contract.ProbRecord{Words: ngram.Sentinel(2)})...)
	// 哨兵之后的字节被忽略
	withSentinel = append(withSentinel, 0xde, 0xad)

	for name, data := range map[string][]byte{"eof": body, "sentinel": withSentinel} {
		r := NewReader(context.Background(), bytes.NewReader(data), 0, 2, 1)
		got, err := drain(t, r)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("%s: want io.EOF, got %v", name, err)
		}
		if len(got) != 2 || got[1].Prob != -2 || got[1].Depth != 1 || got[1].Words[0] != 3 {
			t.Fatalf("%s: unexpected records %+v", name, got)
		}
		// 耗尽后重复调用保持 io.EOF
		if _, err := r.Next(context.Background()); !errors.Is(err, io.EOF) {
			t.Fatalf("%s: repeated Next: %v", name, err)
		}
		_ = r.Close()
	}
}

func TestReaderTruncatedRecord(t *testing.T) {
	data := encodeProbs(t, rec(-1, 0, 7))
	data = append(data, 1, 2, 3)
	r := NewReader(context.Background(), bytes.NewReader(data), 4, 1, 0)
	defer r.Close()
	got, err := drain(t, r)
	if len(got) != 1 {
		t.Fatalf("want 1 record before truncation, got %d", len(got))
	}
	var fe *contract.FormatError
	if !errors.As(err, &fe) || fe.Model != 4 || fe.Order != 1 {
		t.Fatalf("want FormatError for model 4 order 1, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestReaderIOError(t *testing.T) {
	r := NewReader(context.Background(), failingReader{}, 0, 1, 0)
	defer r.Close()
	_, err := r.Next(context.Background())
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, contract.ErrFormat) {
		t.Fatalf("want wrapped io error, got %v", err)
	}
}

// 阻塞读取时取消
func TestReaderCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(ctx, pr, 0, 1, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	done := make(chan struct{})
	go func() { _ = r.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close should unblock a pending read")
	}
}

func TestWriterRoundTrip(t *testing.T) {
	packer, err := ngram.NewDepthPacker(2, 3)
	if err != nil {
		t.Fatalf("packer: %v", err)
	}
	layout := ngram.GammaLayout{Order: 2, Packer: packer}
	for _, sentinel := range []bool{false, true} {
		var out bytes.Buffer
		w := NewWriter(&out, layout, 1, sentinel)
		recs := []contract.GammaRecord{
			{Words: []contract.WordIndex{1, 2}, Prob: -0.5, Depths: []uint8{0, 1}},
			{Words: []contract.WordIndex{4, 2}, Prob: -1.25, Depths: []uint8{1, 1}},
		}
		for _, r := range recs {
			if err := w.Put(context.Background(), r); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if w.Count() != 2 {
			t.Fatalf("count=%d", w.Count())
		}
		want := 2
		if sentinel {
			want = 3
		}
		if out.Len() != want*layout.Stride() {
			t.Fatalf("sentinel=%v: %d bytes, want %d", sentinel, out.Len(), want*layout.Stride())
		}
		b := out.Bytes()
		for i, r := range recs {
			got, err := layout.Decode(b[i*layout.Stride():])
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !ngram.Equal(got.Words, r.Words) || got.Prob != r.Prob || got.Depths[1] != r.Depths[1] {
				t.Fatalf("record %d mismatch: %+v", i, got)
			}
		}
		if sentinel {
			last, _ := layout.Decode(b[2*layout.Stride():])
			if !ngram.IsSentinel(last.Words) {
				t.Fatalf("trailer should be sentinel: %+v", last)
			}
		}
	}
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("full") }

func TestWriterPropagatesError(t *testing.T) {
	packer, _ := ngram.NewDepthPacker(1, 1)
	layout := ngram.GammaLayout{Order: 1, Packer: packer}
	w := NewWriter(errWriter{}, layout, 1, false)
	for i := 0; i < 3; i++ {
		r := contract.GammaRecord{Words: []contract.WordIndex{contract.WordIndex(i)}, Depths: []uint8{0}}
		if err := w.Put(context.Background(), r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := w.Close(); err == nil {
		t.Fatalf("close should report the write error")
	}
	// 编码错误（深度越界）同样经 Close 返回
	w = NewWriter(io.Discard, layout, 1, false)
	_ = w.Put(context.Background(), contract.GammaRecord{Words: []contract.WordIndex{1}, Depths: []uint8{5}})
	if err := w.Close(); err == nil {
		t.Fatalf("close should report the encode error")
	}
}

func TestWriterPutCancel(t *testing.T) {
	// 无消费者的满通道：Put 只能随 ctx 返回
	w := &Writer{ch: make(chan contract.GammaRecord), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Put(ctx, contract.GammaRecord{Words: []contract.WordIndex{1}, Depths: []uint8{0}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("ngram\x00"), 1000)
	for _, name := range []string{"a.1", "a.1.gz", "a.1.zst", "A.1.ZST"} {
		var buf bytes.Buffer
		w, err := WrapWriter(name, &buf)
		if err != nil {
			t.Fatalf("%s: wrap writer: %v", name, err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s: close: %v", name, err)
		}
		if DetectCompression(name) != None && buf.Len() >= len(payload) {
			t.Fatalf("%s: expected compressed output, got %d bytes", name, buf.Len())
		}
		r, err := WrapReader(name, &buf)
		if err != nil {
			t.Fatalf("%s: wrap reader: %v", name, err)
		}
		got, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil || !bytes.Equal(got, payload) {
			t.Fatalf("%s: round trip mismatch (err=%v)", name, err)
		}
	}
	if DetectCompression("x.gz").String() != "gzip" || DetectCompression("x").String() != "none" {
		t.Fatalf("compression names")
	}
}
