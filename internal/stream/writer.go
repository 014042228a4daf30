package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

const writeBufSize = 64 * 1024

// Writer 以独立 goroutine 将输出记录编码写入 w。
// 不关闭 w；调用方在 Close 返回后自行提交或丢弃。
type Writer struct {
	layout   ngram.GammaLayout
	sentinel bool

	ch    chan contract.GammaRecord
	done  chan struct{}
	err   error // done 关闭后可读
	bw    *bufio.Writer
	count int64

	closeOnce sync.Once
	closeErr  error
}

// NewWriter 启动写协程；sentinel=true 时 Close 追加哨兵记录。
func NewWriter(w io.Writer, layout ngram.GammaLayout, buffer int, sentinel bool) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	wr := &Writer{
		layout:   layout,
		sentinel: sentinel,
		ch:       make(chan contract.GammaRecord, buffer),
		done:     make(chan struct{}),
		bw:       bufio.NewWriterSize(w, writeBufSize),
	}
	go wr.run()
	return wr
}

func (w *Writer) run() {
	defer close(w.done)
	buf := make([]byte, w.layout.Stride())
	for rec := range w.ch {
		if w.err != nil {
			continue // 出错后仅排空
		}
		if err := w.layout.Encode(buf, rec); err != nil {
			w.err = err
			continue
		}
		if _, err := w.bw.Write(buf); err != nil {
			w.err = fmt.Errorf("stream: write order %d: %w", w.layout.Order, err)
			continue
		}
		w.count++
	}
}

// Put 交付一条记录；通道满时阻塞直到有空位或 ctx 取消。
// Close 之后不得再调用。
func (w *Writer) Put(ctx context.Context, rec contract.GammaRecord) error {
	select {
	case w.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 等待写协程排空，按需写哨兵并 flush；返回首个写错误。可重复调用。
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.ch)
		<-w.done
		if w.err != nil {
			w.closeErr = w.err
			return
		}
		if w.sentinel {
			buf := make([]byte, w.layout.Stride())
			if err := w.layout.EncodeSentinel(buf); err != nil {
				w.closeErr = err
				return
			}
			if _, err := w.bw.Write(buf); err != nil {
				w.closeErr = fmt.Errorf("stream: write sentinel order %d: %w", w.layout.Order, err)
				return
			}
		}
		if err := w.bw.Flush(); err != nil {
			w.closeErr = fmt.Errorf("stream: flush order %d: %w", w.layout.Order, err)
		}
	})
	return w.closeErr
}

// Count 返回已写出的记录数（不含哨兵）；Close 之后读取。
func (w *Writer) Count() int64 {
	<-w.done
	return w.count
}
