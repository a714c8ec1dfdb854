// File: serialize/bytearray_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package serialize

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/momentics/coroio/api"
)

func rewind(t *testing.T, ba *ByteArray) {
	t.Helper()
	if err := ba.SetPosition(0); err != nil {
		t.Fatalf("rewind: %v", err)
	}
}

func TestVarintInt64RoundTripTinyNodes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ba := New(1)

	const count = 1000
	vals := make([]int64, count)
	for i := range vals {
		v := rng.Int63n(1 << 62)
		if rng.Intn(2) == 0 {
			v = -v
		}
		vals[i] = v
		ba.WriteInt64(v)
	}
	rewind(t, ba)
	for i, want := range vals {
		got, err := ba.ReadInt64()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("value %d: got %d, want %d", i, got, want)
		}
	}
	if ba.ReadSize() != 0 {
		t.Fatalf("ReadSize = %d at end, want 0", ba.ReadSize())
	}
}

func TestFixedWidthRoundTripBothEndians(t *testing.T) {
	for _, little := range []bool{false, true} {
		ba := New(3)
		ba.SetLittleEndian(little)

		ba.WriteFixInt8(-7)
		ba.WriteFixUint16(0xBEEF)
		ba.WriteFixInt32(-123456789)
		ba.WriteFixUint64(0xDEADBEEFCAFEF00D)

		rewind(t, ba)
		if v, _ := ba.ReadFixInt8(); v != -7 {
			t.Errorf("little=%v int8 = %d", little, v)
		}
		if v, _ := ba.ReadFixUint16(); v != 0xBEEF {
			t.Errorf("little=%v uint16 = %#x", little, v)
		}
		if v, _ := ba.ReadFixInt32(); v != -123456789 {
			t.Errorf("little=%v int32 = %d", little, v)
		}
		if v, _ := ba.ReadFixUint64(); v != 0xDEADBEEFCAFEF00D {
			t.Errorf("little=%v uint64 = %#x", little, v)
		}
	}
}

func TestBigEndianWireLayout(t *testing.T) {
	ba := New(0)
	ba.WriteFixUint32(0x01020304)
	rewind(t, ba)
	p := make([]byte, 4)
	if err := ba.Read(p); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{1, 2, 3, 4}) {
		t.Fatalf("default order wrote % X, want big-endian", p)
	}
}

func TestVarint32And64Boundaries(t *testing.T) {
	ba := New(2)
	u32s := []uint32{0, 1, 127, 128, 16383, 16384, math.MaxUint32}
	u64s := []uint64{0, 1, 127, 128, math.MaxUint32, math.MaxUint64}
	i32s := []int32{0, -1, 1, math.MinInt32, math.MaxInt32}
	i64s := []int64{0, -1, 1, math.MinInt64, math.MaxInt64}

	for _, v := range u32s {
		ba.WriteUint32(v)
	}
	for _, v := range u64s {
		ba.WriteUint64(v)
	}
	for _, v := range i32s {
		ba.WriteInt32(v)
	}
	for _, v := range i64s {
		ba.WriteInt64(v)
	}

	rewind(t, ba)
	for _, want := range u32s {
		if got, _ := ba.ReadUint32(); got != want {
			t.Fatalf("u32 %d read back as %d", want, got)
		}
	}
	for _, want := range u64s {
		if got, _ := ba.ReadUint64(); got != want {
			t.Fatalf("u64 %d read back as %d", want, got)
		}
	}
	for _, want := range i32s {
		if got, _ := ba.ReadInt32(); got != want {
			t.Fatalf("i32 %d read back as %d", want, got)
		}
	}
	for _, want := range i64s {
		if got, _ := ba.ReadInt64(); got != want {
			t.Fatalf("i64 %d read back as %d", want, got)
		}
	}
}

func TestFloatRoundTrip(t *testing.T) {
	ba := New(5)
	ba.WriteFloat32(3.1415927)
	ba.WriteFloat64(-2.718281828459045)
	rewind(t, ba)
	if v, _ := ba.ReadFloat32(); v != 3.1415927 {
		t.Errorf("float32 = %v", v)
	}
	if v, _ := ba.ReadFloat64(); v != -2.718281828459045 {
		t.Errorf("float64 = %v", v)
	}
}

func TestStringVariantsRoundTrip(t *testing.T) {
	ba := New(7)
	ba.WriteStringF16("alpha")
	ba.WriteStringF32("beta")
	ba.WriteStringF64("gamma")
	ba.WriteStringVint("delta is a somewhat longer payload")
	ba.WriteStringRaw("tail")

	rewind(t, ba)
	if s, _ := ba.ReadStringF16(); s != "alpha" {
		t.Errorf("f16 string = %q", s)
	}
	if s, _ := ba.ReadStringF32(); s != "beta" {
		t.Errorf("f32 string = %q", s)
	}
	if s, _ := ba.ReadStringF64(); s != "gamma" {
		t.Errorf("f64 string = %q", s)
	}
	if s, _ := ba.ReadStringVint(); s != "delta is a somewhat longer payload" {
		t.Errorf("vint string = %q", s)
	}
	tail := make([]byte, 4)
	if err := ba.Read(tail); err != nil || string(tail) != "tail" {
		t.Errorf("raw tail = %q err=%v", tail, err)
	}
}

func TestReadPastEnd(t *testing.T) {
	ba := New(4)
	ba.WriteFixUint16(42)
	rewind(t, ba)
	if _, err := ba.ReadFixUint64(); !errors.Is(err, api.ErrOutOfRange) {
		t.Fatalf("read past end = %v, want ErrOutOfRange", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bytes.dat")
	src := New(9)
	for i := 0; i < 300; i++ {
		src.WriteFixUint32(uint32(i * 7))
	}
	rewind(t, src)
	if err := src.WriteToFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}

	dst := New(16)
	if err := dst.ReadFromFile(path); err != nil {
		t.Fatalf("read file: %v", err)
	}
	if dst.Size() != src.Size() {
		t.Fatalf("sizes differ: %d vs %d", dst.Size(), src.Size())
	}
	rewind(t, dst)
	for i := 0; i < 300; i++ {
		if v, err := dst.ReadFixUint32(); err != nil || v != uint32(i*7) {
			t.Fatalf("value %d: got %d err=%v", i, v, err)
		}
	}
}

func TestClearResets(t *testing.T) {
	ba := New(8)
	ba.WriteStringRaw("some payload that spans several nodes")
	ba.Clear()
	if ba.Size() != 0 || ba.Position() != 0 || ba.Capacity() != 8 {
		t.Fatalf("clear left size=%d pos=%d cap=%d", ba.Size(), ba.Position(), ba.Capacity())
	}
	ba.WriteFixUint8(9)
	rewind(t, ba)
	if v, _ := ba.ReadFixUint8(); v != 9 {
		t.Fatalf("reuse after clear read %d", v)
	}
}

func TestReadableWritableBuffers(t *testing.T) {
	ba := New(4)
	payload := []byte("scatter-gather view across nodes")
	ba.Write(payload)
	rewind(t, ba)

	var joined []byte
	for _, b := range ba.ReadableBuffers(-1) {
		joined = append(joined, b...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("readable view = %q", joined)
	}

	// Fill a writable view manually and advance the cursor over it.
	ba2 := New(4)
	bufs := ba2.WritableBuffers(10)
	total := 0
	for _, b := range bufs {
		for i := range b {
			b[i] = byte('a' + total%26)
			total++
		}
	}
	if total != 10 {
		t.Fatalf("writable view covers %d bytes, want 10", total)
	}
	if err := ba2.SetPosition(10); err != nil {
		t.Fatal(err)
	}
	rewind(t, ba2)
	got := make([]byte, 10)
	if err := ba2.Read(got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdefghij" {
		t.Fatalf("writable round trip = %q", got)
	}
}

func TestHexDump(t *testing.T) {
	ba := New(0)
	ba.Write([]byte{0x00, 0xFF, 0x10})
	rewind(t, ba)
	if got := ba.HexString(); got != "00 FF 10" {
		t.Fatalf("hex dump = %q", got)
	}
}
