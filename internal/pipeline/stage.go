package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"lminterp/pkg/contract"
)

// errNotCommitted 在 Writer 提前返回且未给出错误时关闭读端。
var errNotCommitted = errors.New("artifact writer returned before end of stream")

// stager 为每个工件建立 io.Pipe 并在后台调用 Writer.Write。
// 写端保持打开直到 commit（Close）或 abort（CloseWithError）；
// 原子 Writer 仅在读到干净 EOF 时替换目标，从而获得运行级的全有或全无。
type stager struct {
	ctx   context.Context
	w     contract.Writer
	ids   []contract.ArtifactID
	pipes []*io.PipeWriter
	done  []chan error
}

func newStager(ctx context.Context, w contract.Writer) *stager {
	return &stager{ctx: ctx, w: w}
}

// stage 启动工件 id 的写任务并返回写端。
func (s *stager) stage(id contract.ArtifactID) *io.PipeWriter {
	pr, pw := io.Pipe()
	ch := make(chan error, 1)
	go func() {
		err := s.w.Write(s.ctx, id, pr)
		// Writer 返回后不再有人读取，关闭读端以免写方永久阻塞
		if err != nil {
			_ = pr.CloseWithError(err)
		} else {
			_ = pr.CloseWithError(errNotCommitted)
		}
		ch <- err
	}()
	s.ids = append(s.ids, id)
	s.pipes = append(s.pipes, pw)
	s.done = append(s.done, ch)
	return pw
}

func (s *stager) len() int { return len(s.ids) }

// commit 关闭全部写端并等待落盘；返回首个错误。
func (s *stager) commit() error {
	for _, pw := range s.pipes {
		_ = pw.Close()
	}
	var first error
	for i, ch := range s.done {
		if err := <-ch; err != nil && first == nil {
			first = fmt.Errorf("%s: %w", s.ids[i], err)
		}
	}
	return first
}

// abort 以 cause 关闭全部写端并等待各写任务清理。可重复调用。
func (s *stager) abort(cause error) {
	for _, pw := range s.pipes {
		_ = pw.CloseWithError(cause)
	}
	for _, ch := range s.done {
		<-ch
	}
	s.done = nil
}
