package ring

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestNew_RoundsUpToPowerOfTwo(t *testing.T) {
	cases := []struct {
		min  int
		want int
	}{
		{0, 2},
		{1, 2},
		{2, 2},
		{3, 4},
		{4, 4},
		{5, 8},
		{1000, 1024},
		{1024, 1024},
		{1025, 2048},
		{3_072_000, 4_194_304},
	}

	for _, tc := range cases {
		r := New(tc.min, 0x00)
		if r.Capacity() != tc.want {
			t.Errorf("New(%d): expected capacity %d, got %d", tc.min, tc.want, r.Capacity())
		}
	}
}

func TestNew_StartsSilent(t *testing.T) {
	r := New(16, 0x80)

	if r.SilenceByte() != 0x80 {
		t.Errorf("Expected silence byte 0x80, got %#x", r.SilenceByte())
	}
	if r.Available() != 0 {
		t.Errorf("Expected empty ring, got %d available", r.Available())
	}
	if r.Free() != r.Capacity()-1 {
		t.Errorf("Expected %d free, got %d", r.Capacity()-1, r.Free())
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	r := New(64, 0x00)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n := r.Write(data)
	if n != len(data) {
		t.Fatalf("Write accepted %d bytes, expected %d", n, len(data))
	}
	if r.Available() != len(data) {
		t.Errorf("Expected %d available, got %d", len(data), r.Available())
	}

	region, err := r.DirectReadRegion(len(data))
	if err != nil {
		t.Fatalf("DirectReadRegion failed: %v", err)
	}
	if !bytes.Equal(region[:len(data)], data) {
		t.Errorf("Read back %v, expected %v", region[:len(data)], data)
	}

	r.AdvanceRead(len(data))
	if r.Available() != 0 {
		t.Errorf("Expected empty ring after advance, got %d available", r.Available())
	}
}

func TestWrite_ReservesOneSlot(t *testing.T) {
	r := New(16, 0x00)

	data := make([]byte, 16)
	n := r.Write(data)
	if n != 15 {
		t.Errorf("Expected full write to accept capacity-1 = 15 bytes, got %d", n)
	}
	if r.Free() != 0 {
		t.Errorf("Expected 0 free after filling, got %d", r.Free())
	}
	if r.Write([]byte{1}) != 0 {
		t.Error("Expected write into full ring to accept 0 bytes")
	}
}

func TestAvailableFree_Invariant(t *testing.T) {
	r := New(32, 0x00)

	// available + free == capacity-1 must hold through arbitrary
	// interleavings of writes and reads.
	check := func(step string) {
		if got := r.Available() + r.Free(); got != r.Capacity()-1 {
			t.Fatalf("%s: available %d + free %d = %d, expected %d",
				step, r.Available(), r.Free(), got, r.Capacity()-1)
		}
	}

	check("empty")
	r.Write(make([]byte, 10))
	check("after write 10")
	r.AdvanceRead(4)
	check("after read 4")
	r.Write(make([]byte, 20))
	check("after write 20")
	r.AdvanceRead(r.Available())
	check("drained")
}

func TestWrite_WrapPreservesData(t *testing.T) {
	r := New(16, 0x00)

	// Move the cursors near the end so the next write straddles the
	// physical boundary.
	r.Write(make([]byte, 12))
	r.AdvanceRead(12)

	data := []byte{10, 11, 12, 13, 14, 15, 16, 17}
	if n := r.Write(data); n != len(data) {
		t.Fatalf("Wrapping write accepted %d bytes, expected %d", n, len(data))
	}

	// First segment runs to the physical end.
	region, err := r.DirectReadRegion(4)
	if err != nil {
		t.Fatalf("DirectReadRegion failed: %v", err)
	}
	if !bytes.Equal(region, data[:4]) {
		t.Errorf("First segment %v, expected %v", region, data[:4])
	}
	r.AdvanceRead(4)

	// Remainder sits at the physical start.
	region, err = r.DirectReadRegion(4)
	if err != nil {
		t.Fatalf("DirectReadRegion after wrap failed: %v", err)
	}
	if !bytes.Equal(region[:4], data[4:]) {
		t.Errorf("Second segment %v, expected %v", region[:4], data[4:])
	}
}

func TestDirectReadRegion_Underrun(t *testing.T) {
	r := New(16, 0x00)
	r.Write([]byte{1, 2, 3})

	if _, err := r.DirectReadRegion(4); !errors.Is(err, ErrUnderrun) {
		t.Errorf("Expected ErrUnderrun with 3 of 4 bytes stored, got %v", err)
	}

	// An underrun must not move the read cursor.
	if r.Available() != 3 {
		t.Errorf("Expected 3 bytes still available, got %d", r.Available())
	}
}

func TestDirectReadRegion_Wrapped(t *testing.T) {
	r := New(16, 0x00)

	// 10 bytes stored, but only 6 contiguous before the boundary.
	r.Write(make([]byte, 10))
	r.AdvanceRead(10)
	r.Write(make([]byte, 10))

	_, err := r.DirectReadRegion(8)
	if !errors.Is(err, ErrWrapped) {
		t.Errorf("Expected ErrWrapped with non-contiguous data, got %v", err)
	}
	if errors.Is(err, ErrUnderrun) {
		t.Error("Wrap must not be reported as an underrun")
	}

	// The contiguous prefix is still servable.
	if _, err := r.DirectReadRegion(6); err != nil {
		t.Errorf("Expected contiguous prefix readable, got %v", err)
	}
}

func TestClear_EmptiesRing(t *testing.T) {
	r := New(16, 0x00)
	r.Write(make([]byte, 10))
	r.AdvanceRead(3)

	r.Clear()
	if r.Available() != 0 {
		t.Errorf("Expected 0 available after Clear, got %d", r.Available())
	}
	if r.Free() != r.Capacity()-1 {
		t.Errorf("Expected %d free after Clear, got %d", r.Capacity()-1, r.Free())
	}
}

func TestFillWithSilence(t *testing.T) {
	r := New(16, 0x80)
	r.Write([]byte{1, 2, 3, 4})
	r.Clear()
	r.FillWithSilence()

	for i, b := range r.buf {
		if b != 0x80 {
			t.Fatalf("buf[%d] = %#x after FillWithSilence, expected 0x80", i, b)
		}
	}
}

// TestConcurrentSPSC drives one producer and one consumer goroutine at
// full speed and verifies every byte arrives exactly once, in order.
func TestConcurrentSPSC(t *testing.T) {
	const total = 1 << 20
	r := New(4096, 0x00)

	done := make(chan error, 1)
	go func() {
		var expect byte
		read := 0
		for read < total {
			avail := r.Available()
			if avail == 0 {
				continue
			}
			region, err := r.DirectReadRegion(1)
			if err != nil {
				continue
			}
			for _, b := range region {
				if b != expect {
					done <- fmt.Errorf("at byte %d: got %d, expected %d", read, b, expect)
					return
				}
				expect++
				read++
			}
			r.AdvanceRead(len(region))
		}
		done <- nil
	}()

	var next byte
	written := 0
	chunk := make([]byte, 257)
	for written < total {
		n := len(chunk)
		if total-written < n {
			n = total - written
		}
		b := next
		for i := 0; i < n; i++ {
			chunk[i] = b
			b++
		}
		accepted := r.Write(chunk[:n])
		next += byte(accepted)
		written += accepted
	}

	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func BenchmarkWrite(b *testing.B) {
	r := New(1<<20, 0x00)
	data := make([]byte, 4096)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Write(data)
		r.AdvanceRead(r.Available())
	}
}

func BenchmarkDirectReadRegion(b *testing.B) {
	r := New(1<<20, 0x00)
	r.Write(make([]byte, 1<<19))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		region, err := r.DirectReadRegion(1024)
		if err != nil {
			b.Fatal(err)
		}
		_ = region
	}
}
