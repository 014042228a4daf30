package contract

import (
	"context"
	"io"
)

// Opener: 输入源抽象（词表文件、各阶记录流）。
// 约束：
// 1) 流式读取，返回的 ReadCloser 已按实现做好缓冲/解压；
// 2) 不做业务解析，仅提供字节流；
// 3) 不在内部起并发。
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Sizer: 可选能力，返回输入的字节大小（用于进度估算；未知时返回 -1）。
type Sizer interface {
	Size(path string) (int64, error)
}
