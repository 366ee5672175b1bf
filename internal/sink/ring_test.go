// ABOUTME: Tests for the SPSC ring buffer
// ABOUTME: Covers partial I/O, wraparound, invariants and concurrent use
package sink

import (
	"bytes"
	"testing"
)

func TestRingRoundsUpToPowerOfTwo(t *testing.T) {
	tests := []struct {
		name     string
		request  int
		expected int
	}{
		{"exact", 1024, 1024},
		{"rounds up", 1000, 1024},
		{"tiny", 3, 4},
		{"minimum", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRingBuffer(tt.request)
			if r.Capacity() != tt.expected {
				t.Errorf("expected capacity %d, got %d", tt.expected, r.Capacity())
			}
		})
	}
}

func TestRingWriteRead(t *testing.T) {
	r := NewRingBuffer(16)

	n := r.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("expected 5 written, got %d", n)
	}
	if r.Available() != 5 {
		t.Errorf("expected 5 available, got %d", r.Available())
	}
	if r.FreeSpace() != 11 {
		t.Errorf("expected 11 free, got %d", r.FreeSpace())
	}

	out := make([]byte, 8)
	n = r.Read(out)
	if n != 5 {
		t.Fatalf("expected 5 read, got %d", n)
	}
	if !bytes.Equal(out[:5], []byte("hello")) {
		t.Errorf("read %q, want %q", out[:5], "hello")
	}
	if r.Available() != 0 {
		t.Errorf("expected empty ring, got %d available", r.Available())
	}
}

func TestRingPartialWrite(t *testing.T) {
	r := NewRingBuffer(8)

	n := r.Write(make([]byte, 12))
	if n != 8 {
		t.Fatalf("expected 8 written into full ring, got %d", n)
	}
	n = r.Write([]byte{1})
	if n != 0 {
		t.Errorf("expected 0 written when full, got %d", n)
	}
}

func TestRingWraparound(t *testing.T) {
	r := NewRingBuffer(8)
	out := make([]byte, 8)

	// Advance the indices so the next write straddles the end.
	r.Write([]byte{0, 1, 2, 3, 4, 5})
	r.Read(out[:6])

	data := []byte{10, 11, 12, 13, 14, 15}
	if n := r.Write(data); n != 6 {
		t.Fatalf("expected 6 written, got %d", n)
	}
	if n := r.Read(out[:6]); n != 6 {
		t.Fatalf("expected 6 read, got %d", n)
	}
	if !bytes.Equal(out[:6], data) {
		t.Errorf("wraparound read %v, want %v", out[:6], data)
	}
}

func TestRingFreePlusAvailableIsCapacity(t *testing.T) {
	r := NewRingBuffer(64)
	out := make([]byte, 16)

	for i := 0; i < 100; i++ {
		r.Write(make([]byte, i%17))
		r.Read(out[:i%13])
		if r.FreeSpace()+r.Available() != r.Capacity() {
			t.Fatalf("iteration %d: free %d + available %d != capacity %d",
				i, r.FreeSpace(), r.Available(), r.Capacity())
		}
	}
}

func TestRingClear(t *testing.T) {
	r := NewRingBuffer(16)
	r.Write([]byte("data"))
	r.Clear()
	if r.Available() != 0 {
		t.Errorf("expected 0 available after clear, got %d", r.Available())
	}
	if r.FreeSpace() != r.Capacity() {
		t.Errorf("expected full free space after clear, got %d", r.FreeSpace())
	}
}

// TestRingConcurrent pushes a known byte sequence through the ring with
// a separate producer and consumer and verifies no byte is lost,
// duplicated or reordered.
func TestRingConcurrent(t *testing.T) {
	const total = 1 << 20
	r := NewRingBuffer(4096)

	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 31)
	}

	done := make(chan []byte)
	go func() {
		got := make([]byte, 0, total)
		buf := make([]byte, 1500)
		for len(got) < total {
			n := r.Read(buf)
			got = append(got, buf[:n]...)
		}
		done <- got
	}()

	sent := 0
	for sent < total {
		n := r.Write(src[sent:])
		sent += n
	}

	got := <-done
	if !bytes.Equal(got, src) {
		t.Fatal("concurrent transfer corrupted the byte stream")
	}
}
