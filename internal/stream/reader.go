// Package stream 提供定长记录流的读写任务：每条流一个 goroutine，
// 经有界通道与合并器交接；通道阻塞即背压，不做轮询与超时。
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

// DefaultBuffer 为未配置时每条流的通道容量（记录数）。
const DefaultBuffer = 1024

const readBufSize = 64 * 1024

// Reader 以独立 goroutine 解码某模型某阶的输入记录。
// 哨兵记录或干净的 EOF 都视为流耗尽（Next 返回 io.EOF）。
type Reader struct {
	model int
	order int

	ch     chan contract.ProbRecord
	done   chan struct{}
	err    error // 在 close(ch) 前写入
	src    io.Reader
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewReader 启动解码协程；buffer<=0 时取 DefaultBuffer。
// 若 r 实现 io.Closer，Close 时一并关闭。
func NewReader(ctx context.Context, r io.Reader, model, order, buffer int) *Reader {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	cctx, cancel := context.WithCancel(ctx)
	rd := &Reader{
		model:  model,
		order:  order,
		ch:     make(chan contract.ProbRecord, buffer),
		done:   make(chan struct{}),
		src:    r,
		cancel: cancel,
	}
	go rd.run(cctx)
	return rd
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.ch)
	br := bufio.NewReaderSize(r.src, readBufSize)
	stride := ngram.ProbStride(r.order)
	buf := make([]byte, stride)
	for {
		n, err := io.ReadFull(br, buf)
		if errors.Is(err, io.EOF) {
			return
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.err = &contract.FormatError{Model: r.model, Order: r.order,
				Reason: fmt.Sprintf("truncated record: %d of %d bytes", n, stride)}
			return
		}
		if err != nil {
			r.err = fmt.Errorf("stream: read model %d order %d: %w", r.model, r.order, err)
			return
		}
		rec, err := ngram.DecodeProb(buf, r.order)
		if err != nil {
			r.err = err
			return
		}
		if ngram.IsSentinel(rec.Words) {
			return
		}
		select {
		case r.ch <- rec:
		case <-ctx.Done():
			r.err = ctx.Err()
			return
		}
	}
}

// Next 返回下一条记录；流耗尽时返回 io.EOF。
func (r *Reader) Next(ctx context.Context) (contract.ProbRecord, error) {
	select {
	case rec, ok := <-r.ch:
		if !ok {
			if r.err != nil {
				return contract.ProbRecord{}, r.err
			}
			return contract.ProbRecord{}, io.EOF
		}
		return rec, nil
	case <-ctx.Done():
		return contract.ProbRecord{}, ctx.Err()
	}
}

// Close 停止解码协程并关闭底层 reader（若可关闭）。可重复调用。
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		// 先关闭底层以唤醒阻塞中的读取
		if c, ok := r.src.(io.Closer); ok {
			r.closeErr = c.Close()
		}
		<-r.done
	})
	return r.closeErr
}
