package storage

import (
	"encoding/binary"
	"path/filepath"
	"testing"
)

// benchStorage creates a storage for benchmarks.
func benchStorage(b *testing.B) *Storage {
	b.Helper()

	s, err := New(filepath.Join(b.TempDir(), "db"))
	if err != nil {
		b.Fatalf("failed to create storage: %v", err)
	}

	b.Cleanup(func() { s.Close() })

	return s
}

// makeKey creates a key from an integer.
func makeKey(i int) []byte {
	key := make([]byte, 40)
	copy(key, "j/")
	binary.BigEndian.PutUint64(key[2:], uint64(i))
	return key
}

// BenchmarkSet measures buffered writes of journal-sized entries.
func BenchmarkSet(b *testing.B) {
	s := benchStorage(b)
	value := make([]byte, 512)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := s.Set(makeKey(i), value); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSetDurable measures synced writes, as used for sequence reservations.
func BenchmarkSetDurable(b *testing.B) {
	s := benchStorage(b)
	value := make([]byte, 8)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := s.SetDurable([]byte("seq"), value); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReverseScan measures reading the most recent entries.
func BenchmarkReverseScan(b *testing.B) {
	s := benchStorage(b)
	value := make([]byte, 256)

	for i := 0; i < 10000; i++ {
		s.Set(makeKey(i), value)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		n := 0
		s.IteratePrefixReverse([]byte("j/"), func(k, v []byte) error {
			n++
			if n == 20 {
				return ErrStop
			}
			return nil
		})
	}
}
