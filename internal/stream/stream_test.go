package stream

import "testing"

func TestReaderBigEndian(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	r := NewReader(data, BigEndian)
	if got := r.ReadU16(); got != 0x0102 {
		t.Fatalf("ReadU16 = %#x, want 0x0102", got)
	}
	if got := r.ReadU24(); got != 0x030405 {
		t.Fatalf("ReadU24 = %#x, want 0x030405", got)
	}
	r.SetPosition(0)
	if got := r.ReadU64(); got != 0x0102030405060708 {
		t.Fatalf("ReadU64 = %#x, want 0x0102030405060708", got)
	}
}

func TestReaderLittleEndian(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	r := NewReader(data, LittleEndian)
	if got := r.ReadU32(); got != 0x04030201 {
		t.Fatalf("ReadU32 = %#x, want 0x04030201", got)
	}
}

func TestReaderPastEnd(t *testing.T) {
	r := NewReader([]byte{0x01}, BigEndian)
	r.ReadU8()
	if !r.IsEnd() {
		t.Fatal("expected IsEnd after consuming all bytes")
	}
	if got := r.ReadU8(); got != 0 {
		t.Fatalf("ReadU8 past end = %d, want 0", got)
	}
	if got := r.ReadU32(); got != 0 {
		t.Fatalf("ReadU32 past end = %d, want 0", got)
	}
}

func TestReaderSubrange(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5}
	r := NewReader(data, BigEndian)
	sub := r.Subrange(2, 3)
	if sub.Length() != 3 {
		t.Fatalf("Subrange length = %d, want 3", sub.Length())
	}
	if got := sub.ReadU8(); got != 2 {
		t.Fatalf("Subrange first byte = %d, want 2", got)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	w := NewWriter(BigEndian)
	w.WriteU8(0xAB)
	w.WriteU16(0x1234)
	w.WriteU32(0xDEADBEEF)
	w.WriteF32(1.5)

	r := NewReader(w.GetBytes(), BigEndian)
	if got := r.ReadU8(); got != 0xAB {
		t.Fatalf("ReadU8 = %#x, want 0xAB", got)
	}
	if got := r.ReadU16(); got != 0x1234 {
		t.Fatalf("ReadU16 = %#x, want 0x1234", got)
	}
	if got := r.ReadU32(); got != 0xDEADBEEF {
		t.Fatalf("ReadU32 = %#x, want 0xDEADBEEF", got)
	}
	if got := r.ReadF32(); got != 1.5 {
		t.Fatalf("ReadF32 = %v, want 1.5", got)
	}
}

func TestBitReaderMSBFirst(t *testing.T) {
	// 0b10110010 -> bits read MSB-first: 1,0,1,1,0,0,1,0
	r := NewReader([]byte{0xB2}, BigEndian)
	br := NewBitReader(r)
	want := []uint32{1, 0, 1, 1, 0, 0, 1, 0}
	for i, w := range want {
		if got := br.ReadBits(1); got != w {
			t.Fatalf("bit %d = %d, want %d", i, got, w)
		}
	}
}

func TestBitReaderMultiBit(t *testing.T) {
	// Two nibbles packed MSB-first in one byte: 0xAB -> 0xA, 0xB.
	r := NewReader([]byte{0xAB}, BigEndian)
	br := NewBitReader(r)
	if got := br.ReadBits(4); got != 0xA {
		t.Fatalf("first nibble = %#x, want 0xA", got)
	}
	if got := br.ReadBits(4); got != 0xB {
		t.Fatalf("second nibble = %#x, want 0xB", got)
	}
}

func TestBitReaderCrossByte(t *testing.T) {
	r := NewReader([]byte{0xFF, 0x00}, BigEndian)
	br := NewBitReader(r)
	// Read 4 bits (all 1) then 8 bits spanning the byte boundary.
	if got := br.ReadBits(4); got != 0xF {
		t.Fatalf("first nibble = %#x, want 0xF", got)
	}
	if got := br.ReadBits(8); got != 0xF0 {
		t.Fatalf("cross-byte read = %#x, want 0xF0", got)
	}
}
