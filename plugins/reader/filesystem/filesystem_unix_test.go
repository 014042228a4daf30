//go:build !windows

package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

// 指向常规文件的符号链接可打开；FIFO 被拒绝
func TestOpenSymlinkAndFifo(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real")
	if err := os.WriteFile(target, []byte("abc"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	r := New(nil)
	rc, err := r.Open(context.Background(), link)
	if err != nil {
		t.Fatalf("open link: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "abc" {
		t.Fatalf("unexpected %q", b)
	}

	fifo := filepath.Join(root, "fifo")
	if err := syscall.Mkfifo(fifo, 0o644); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	if _, err := r.Open(context.Background(), fifo); err == nil {
		t.Fatalf("fifo should be rejected")
	}
}
