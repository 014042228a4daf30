package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lminterp/internal/stream"
	"lminterp/pkg/contract"
)

// Options 为 FileSystem Opener 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// BaseDir: 相对路径的解析根；为空时相对当前工作目录。
	BaseDir string `json:"base_dir"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Opener。
// .gz/.zst 扩展名的文件透明解压。
type FileSystem struct {
	bufSize int
	base    string
}

// New 创建 FileSystem Opener。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	b := defaultBuf
	var base string
	if opts != nil {
		if opts.BufSize > 0 {
			b = opts.BufSize
		}
		base = opts.BaseDir
	}
	return &FileSystem{bufSize: b, base: base}
}

var (
	_ contract.Opener = (*FileSystem)(nil)
	_ contract.Sizer  = (*FileSystem)(nil)
)

// Open 打开 path 并返回已缓冲（必要时已解压）的 ReadCloser。
// "-" 表示 STDIN；仅接受常规文件或指向常规文件的符号链接。
func (r *FileSystem) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if path == "-" {
		// 统一缓冲策略：STDIN 也使用 bufio.Reader 封装；Close 不关闭 STDIN
		return newBufferedCloser(io.NopCloser(os.Stdin), nil, r.bufSize), nil
	}
	p := r.resolve(path)
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, &os.PathError{Op: "open", Path: p, Err: fmt.Errorf("not a regular file")}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	raw := bufio.NewReaderSize(f, r.bufSize)
	zr, err := stream.WrapReader(p, raw)
	if err != nil {
		_ = f.Close()
		return nil, &os.PathError{Op: "decompress", Path: p, Err: err}
	}
	return newBufferedCloser(f, zr, r.bufSize), nil
}

// Size 返回未压缩输入的字节数；压缩文件与 STDIN 返回 -1。
func (r *FileSystem) Size(path string) (int64, error) {
	if path == "-" || stream.DetectCompression(path) != stream.None {
		return -1, nil
	}
	info, err := os.Stat(r.resolve(path))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (r *FileSystem) resolve(path string) string {
	if r.base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.base, path)
}

// bufferedCloser 将读取链与底层 Closer 组合为 ReadCloser。
// 关闭顺序：先解压层，后文件。
type bufferedCloser struct {
	io.Reader
	z io.Closer
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, z io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	if z == nil {
		return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
	}
	return &bufferedCloser{Reader: z, z: z, c: c}
}

func (b *bufferedCloser) Close() error {
	if b.z != nil {
		_ = b.z.Close()
	}
	return b.c.Close()
}
