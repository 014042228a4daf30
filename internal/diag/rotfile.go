package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	currentLogName = "lminterp-current.txt"
	rotatedPrefix  = "lminterp-"
	rotatedSuffix  = ".txt.gz"
	// 默认保留的历史分段数
	defaultBackups = 5
)

// RotatingFile 将日志行追加到 dir/lminterp-current.txt，超过 maxBytes 时轮转。
// 轮转出的分段以 gzip 压缩为 lminterp-<UTC 时间戳>.txt.gz，仅保留最近 backups 个。
type RotatingFile struct {
	dir      string
	maxBytes int64
	backups  int
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, backups: defaultBackups}
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return err
	}
	line := int64(len(b) + 1)
	// 空文件即使超长也直接写入，避免每行都轮转出空分段
	if w.curSize > 0 && w.curSize+line > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

// rotate 关闭当前文件，压缩为带时间戳的分段并清理超出保留数的旧分段。
func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	cur := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳，避免同秒冲突
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	dst := filepath.Join(w.dir, rotatedPrefix+ts+rotatedSuffix)
	if err := gzipFile(cur, dst); err != nil {
		return fmt.Errorf("compress rotated log: %w", err)
	}
	if err := os.Remove(cur); err != nil {
		return fmt.Errorf("remove rotated log: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	_, err = io.Copy(zw, in)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
	}
	return err
}

// prune 删除最旧的分段；时间戳定宽，字典序即时间序。
func (w *RotatingFile) prune() {
	if w.backups <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var segs []string
	for _, e := range ents {
		n := e.Name()
		if strings.HasPrefix(n, rotatedPrefix) && strings.HasSuffix(n, rotatedSuffix) {
			segs = append(segs, n)
		}
	}
	if len(segs) <= w.backups {
		return
	}
	sort.Strings(segs)
	for _, n := range segs[:len(segs)-w.backups] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}
