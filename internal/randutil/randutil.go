// =============================================================================
// 文件: internal/randutil/randutil.go
// 描述: 随机数源 - 连接 ID 与 FEC 序列号播种，熵不可用时显式报错
// =============================================================================
package randutil

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
)

// ErrEntropy 随机源不可用
var ErrEntropy = errors.New("随机源不可用")

// Source 随机数源
type Source interface {
	Uint32() (uint32, error)
	Uint16() (uint16, error)
}

// cryptoSource 基于 crypto/rand 的随机源
type cryptoSource struct {
	r io.Reader
}

// NewCrypto 创建系统熵随机源
func NewCrypto() Source {
	return &cryptoSource{r: rand.Reader}
}

func (s *cryptoSource) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return buf, nil
}

func (s *cryptoSource) Uint32() (uint32, error) {
	buf, err := s.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (s *cryptoSource) Uint16() (uint16, error) {
	buf, err := s.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// seededSource 确定性随机源 (测试用)
type seededSource struct {
	rng *mrand.Rand
	mu  sync.Mutex
}

// NewSeeded 创建确定性随机源
func NewSeeded(seed int64) Source {
	return &seededSource{rng: mrand.New(mrand.NewSource(seed))}
}

func (s *seededSource) Uint32() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint32(), nil
}

func (s *seededSource) Uint16() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.rng.Uint32()), nil
}

// Sequence 按给定序列依次返回的随机源，耗尽后返回 ErrEntropy
type Sequence struct {
	Values []uint32
	mu     sync.Mutex
}

func (s *Sequence) next() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Values) == 0 {
		return 0, ErrEntropy
	}
	v := s.Values[0]
	s.Values = s.Values[1:]
	return v, nil
}

func (s *Sequence) Uint32() (uint32, error) {
	return s.next()
}

func (s *Sequence) Uint16() (uint16, error) {
	v, err := s.next()
	return uint16(v), err
}
