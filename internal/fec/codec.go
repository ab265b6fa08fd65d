// =============================================================================
// 文件: internal/fec/codec.go
// 描述: 纠删码适配器 - Reed-Solomon GF(256) 编解码
// =============================================================================
package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// Codec 纠删码
//
// shards 长度为 k+m 且等长。Encode 原地填充后 m 个冗余分片；
// Reconstruct 以 nil 表示缺失分片，恢复全部缺失的数据分片。
type Codec interface {
	Encode(k, m int, shards [][]byte) error
	Reconstruct(k, m int, shards [][]byte) error
}

type codecKey struct {
	k, m int
}

// RSCodec 基于 klauspost/reedsolomon 的实现，按 (k, m) 缓存编码矩阵
type RSCodec struct {
	cache map[codecKey]reedsolomon.Encoder
	mu    sync.Mutex
}

// NewRSCodec 创建 Reed-Solomon 编解码器
func NewRSCodec() *RSCodec {
	return &RSCodec{cache: make(map[codecKey]reedsolomon.Encoder)}
}

func (c *RSCodec) encoder(k, m int) (reedsolomon.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := codecKey{k, m}
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("创建 RS 编码器 (%d,%d) 失败: %w", k, m, err)
	}
	c.cache[key] = enc
	return enc, nil
}

func checkShape(k, m int, shards [][]byte) error {
	if k <= 0 || m < 0 || k+m > MaxTotalShards {
		return fmt.Errorf("%w: k=%d m=%d", ErrInvalidArgument, k, m)
	}
	if len(shards) != k+m {
		return fmt.Errorf("%w: 分片数 %d != %d", ErrInvalidArgument, len(shards), k+m)
	}
	return nil
}

// Encode 计算冗余分片
func (c *RSCodec) Encode(k, m int, shards [][]byte) error {
	if err := checkShape(k, m, shards); err != nil {
		return err
	}
	if m == 0 {
		return nil
	}
	enc, err := c.encoder(k, m)
	if err != nil {
		return err
	}
	return enc.Encode(shards)
}

// Reconstruct 恢复缺失的数据分片
func (c *RSCodec) Reconstruct(k, m int, shards [][]byte) error {
	if err := checkShape(k, m, shards); err != nil {
		return err
	}
	missing := false
	for i := 0; i < k; i++ {
		if shards[i] == nil {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	if m == 0 {
		return fmt.Errorf("%w: 无冗余分片无法恢复", ErrCorruptFrame)
	}
	enc, err := c.encoder(k, m)
	if err != nil {
		return err
	}
	return enc.ReconstructData(shards)
}
