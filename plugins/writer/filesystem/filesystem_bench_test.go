package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"lminterp/pkg/contract"
)

// BenchmarkWrite 按压缩方式测量工件写入；输入为近似记录流的随机字节。
func BenchmarkWrite(b *testing.B) {
	const sz = 1 << 20
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, sz)
	// 低位随机、高位为零，接近小词表 ID 的分布
	for i := 0; i < sz; i += 4 {
		data[i] = byte(rng.Intn(256))
		data[i+1] = byte(rng.Intn(8))
	}
	for _, comp := range []string{"none", "gzip", "zstd"} {
		b.Run(fmt.Sprintf("compression=%s", comp), func(b *testing.B) {
			w, err := New(&Options{OutputDir: b.TempDir(), Compression: comp})
			if err != nil {
				b.Fatalf("创建 Writer 失败: %v", err)
			}
			id := contract.ArtifactID("merged.3")
			ctx := context.Background()
			b.SetBytes(sz)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := w.Write(ctx, id, bytes.NewReader(data)); err != nil {
					b.Fatalf("写入失败: %v", err)
				}
			}
		})
	}
}
