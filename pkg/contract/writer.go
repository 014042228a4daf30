package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（相对输出根的名称）。
type ArtifactID string

// Writer: 将工件以流式方式持久化到目标介质（文件系统等）。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入（O(1) 额外内存），按字节透传，不读取/修改业务内容；
//  3. r 以错误结束时不得留下目标文件（原子实现下删除临时文件）；
//  4. ctx 取消需尽快返回；错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
