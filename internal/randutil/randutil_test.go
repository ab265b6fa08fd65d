package randutil

import (
	"errors"
	"io"
	"testing"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestCryptoSourceFailsLoudly(t *testing.T) {
	s := &cryptoSource{r: brokenReader{}}
	if _, err := s.Uint32(); !errors.Is(err, ErrEntropy) {
		t.Fatalf("Uint32 错误: got %v, want ErrEntropy", err)
	}
	if _, err := s.Uint16(); !errors.Is(err, ErrEntropy) {
		t.Fatalf("Uint16 错误: got %v, want ErrEntropy", err)
	}
}

func TestSeededDeterministic(t *testing.T) {
	a, b := NewSeeded(42), NewSeeded(42)
	for i := 0; i < 16; i++ {
		x, _ := a.Uint32()
		y, _ := b.Uint32()
		if x != y {
			t.Fatalf("第 %d 个值不同: %d != %d", i, x, y)
		}
	}
}

func TestSequenceExhausts(t *testing.T) {
	s := &Sequence{Values: []uint32{7, 0x10009}}
	if v, _ := s.Uint32(); v != 7 {
		t.Errorf("got %d, want 7", v)
	}
	if v, _ := s.Uint16(); v != 9 {
		t.Errorf("got %d, want 9", v)
	}
	if _, err := s.Uint32(); !errors.Is(err, ErrEntropy) {
		t.Errorf("耗尽后应返回 ErrEntropy, got %v", err)
	}
}
