package stream

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression 由文件扩展名决定。
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// DetectCompression 按扩展名识别压缩格式（.gz/.zst，大小写不敏感）。
func DetectCompression(name string) Compression {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	default:
		return None
	}
}

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

// WrapReader 按 name 的扩展名为 r 套上解压层。
// 返回的 ReadCloser 只关闭解压层，不关闭 r。
func WrapReader(name string, r io.Reader) (io.ReadCloser, error) {
	switch DetectCompression(name) {
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// WrapWriter 按 name 的扩展名为 w 套上压缩层。
// Close 刷出压缩尾部，但不关闭 w。
func WrapWriter(name string, w io.Writer) (io.WriteCloser, error) {
	switch DetectCompression(name) {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
