package contract

import "context"

// Source: 单模型单阶的有序输入流。
// 约束：
//  1. 记录按后缀序严格递增；
//  2. 流耗尽时返回 io.EOF（显式耗尽态，而非哨兵记录）；
//  3. ctx 取消需尽快返回；
//  4. 返回记录的 Words 切片归调用方所有，不得复用。
type Source interface {
	Next(ctx context.Context) (ProbRecord, error)
}

// Sink: 单阶合并输出。
// Put 可能因下游背压阻塞；Close 表示该阶正常结束（不在失败路径调用）。
type Sink interface {
	Put(ctx context.Context, rec GammaRecord) error
	Close() error
}
