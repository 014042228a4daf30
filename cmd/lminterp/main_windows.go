//go:build windows

package main

import "time"

// windowsFileCleanupDelay: 等待日志文件句柄释放后再删除临时目录
func windowsFileCleanupDelay() {
	time.Sleep(500 * time.Millisecond)
}
