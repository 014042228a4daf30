package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"lminterp/internal/stream"
	"lminterp/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// Compression: none|gzip|zstd；非 none 时目标名追加 .gz/.zst。
	Compression string `json:"compression,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
}

type FS struct {
	root    string
	atomic  bool
	suffix  string
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建文件系统 Writer 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, os.ErrInvalid
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	var suffix string
	switch strings.ToLower(strings.TrimSpace(opts.Compression)) {
	case "", "none":
	case "gzip", "gz":
		suffix = ".gz"
	case "zstd", "zst":
		suffix = ".zst"
	default:
		return nil, fmt.Errorf("filesystem writer: unknown compression %q", opts.Compression)
	}
	return &FS{root: opts.OutputDir, atomic: atomic, suffix: suffix, permF: pf, permD: pd, bufSize: bsz}, nil
}

var _ contract.Writer = (*FS)(nil)

// Write 将 r 的全部字节写入到基于 id 映射的目标路径。
// r 返回错误（例如上游以 CloseWithError 中止管道）时，目标保持不变。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}

	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// Path 返回 id 对应的落盘路径（含压缩后缀）。
func (w *FS) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// mapPath: 工件名只能落在输出根之下（拒绝绝对路径、父级逃逸、卷名）。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	escapes := rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
	if rel == "." || filepath.IsAbs(rel) || escapes || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q", contract.ErrPathInvalid, id)
	}
	return filepath.Join(w.root, rel) + w.suffix, nil
}

// copyTo 经缓冲与（按扩展名的）压缩层写出。
func (w *FS) copyTo(ctx context.Context, f *os.File, dest string, r io.Reader) error {
	bw := bufio.NewWriterSize(f, w.bufSize)
	zw, err := stream.WrapWriter(dest, bw)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, readerWithCtx(ctx, r)); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// writeOverwrite 直接写 dest；读端报错或写失败时删除 dest，不留截断的工件。
func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) (err error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()
	return w.copyTo(ctx, f, dest, r)
}

// writeAtomic 写入同目录临时文件，完整读到 EOF 并落盘后才替换 dest；
// 任一步失败都删除临时文件，dest 保持原状。
func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	_ = os.Chmod(tmpPath, w.permF)

	if err = w.copyTo(ctx, tmp, dest, r); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = osReplace(tmpPath, dest); err != nil {
		return err
	}
	// 最佳努力：同步父目录
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
