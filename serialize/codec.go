// File: serialize/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed codecs over ByteArray. Fixed-width values honor the array's byte
// order; WriteUint32/64 are LEB128 varints and WriteInt32/64 their
// ZigZag-signed forms, so small magnitudes of either sign stay short.

package serialize

import (
	"encoding/binary"
	"fmt"
	"math"

	"fortio.org/safecast"

	"github.com/momentics/coroio/api"
)

// WriteFixInt8 writes one signed byte.
func (ba *ByteArray) WriteFixInt8(v int8) { ba.Write([]byte{byte(v)}) }

// WriteFixUint8 writes one unsigned byte.
func (ba *ByteArray) WriteFixUint8(v uint8) { ba.Write([]byte{v}) }

// WriteFixInt16 writes a fixed-width int16 in the selected order.
func (ba *ByteArray) WriteFixInt16(v int16) { ba.WriteFixUint16(uint16(v)) }

// WriteFixUint16 writes a fixed-width uint16 in the selected order.
func (ba *ByteArray) WriteFixUint16(v uint16) {
	var b [2]byte
	ba.order.PutUint16(b[:], v)
	ba.Write(b[:])
}

// WriteFixInt32 writes a fixed-width int32 in the selected order.
func (ba *ByteArray) WriteFixInt32(v int32) { ba.WriteFixUint32(uint32(v)) }

// WriteFixUint32 writes a fixed-width uint32 in the selected order.
func (ba *ByteArray) WriteFixUint32(v uint32) {
	var b [4]byte
	ba.order.PutUint32(b[:], v)
	ba.Write(b[:])
}

// WriteFixInt64 writes a fixed-width int64 in the selected order.
func (ba *ByteArray) WriteFixInt64(v int64) { ba.WriteFixUint64(uint64(v)) }

// WriteFixUint64 writes a fixed-width uint64 in the selected order.
func (ba *ByteArray) WriteFixUint64(v uint64) {
	var b [8]byte
	ba.order.PutUint64(b[:], v)
	ba.Write(b[:])
}

// WriteUint32 writes a LEB128 varint (1-5 bytes).
func (ba *ByteArray) WriteUint32(v uint32) { ba.WriteUint64(uint64(v)) }

// WriteUint64 writes a LEB128 varint (1-10 bytes).
func (ba *ByteArray) WriteUint64(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	ba.Write(b[:n])
}

// WriteInt32 writes a ZigZag-encoded varint.
func (ba *ByteArray) WriteInt32(v int32) { ba.WriteUint32(encodeZigzag32(v)) }

// WriteInt64 writes a ZigZag-encoded varint.
func (ba *ByteArray) WriteInt64(v int64) { ba.WriteUint64(encodeZigzag64(v)) }

// WriteFloat32 writes the IEEE-754 bits as fixed-width uint32.
func (ba *ByteArray) WriteFloat32(v float32) { ba.WriteFixUint32(math.Float32bits(v)) }

// WriteFloat64 writes the IEEE-754 bits as fixed-width uint64.
func (ba *ByteArray) WriteFloat64(v float64) { ba.WriteFixUint64(math.Float64bits(v)) }

// WriteStringF16 writes s with a fixed uint16 length prefix.
func (ba *ByteArray) WriteStringF16(s string) {
	n, err := safecast.Conv[uint16](len(s))
	if err != nil {
		panic(fmt.Sprintf("serialize: string length %d exceeds u16 prefix", len(s)))
	}
	ba.WriteFixUint16(n)
	ba.Write([]byte(s))
}

// WriteStringF32 writes s with a fixed uint32 length prefix.
func (ba *ByteArray) WriteStringF32(s string) {
	n, err := safecast.Conv[uint32](len(s))
	if err != nil {
		panic(fmt.Sprintf("serialize: string length %d exceeds u32 prefix", len(s)))
	}
	ba.WriteFixUint32(n)
	ba.Write([]byte(s))
}

// WriteStringF64 writes s with a fixed uint64 length prefix.
func (ba *ByteArray) WriteStringF64(s string) {
	ba.WriteFixUint64(uint64(len(s)))
	ba.Write([]byte(s))
}

// WriteStringVint writes s with a varint length prefix.
func (ba *ByteArray) WriteStringVint(s string) {
	ba.WriteUint64(uint64(len(s)))
	ba.Write([]byte(s))
}

// WriteStringRaw writes s without any length prefix.
func (ba *ByteArray) WriteStringRaw(s string) { ba.Write([]byte(s)) }

// ReadFixInt8 reads one signed byte.
func (ba *ByteArray) ReadFixInt8() (int8, error) {
	v, err := ba.ReadFixUint8()
	return int8(v), err
}

// ReadFixUint8 reads one unsigned byte.
func (ba *ByteArray) ReadFixUint8() (uint8, error) {
	var b [1]byte
	if err := ba.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadFixInt16 reads a fixed-width int16.
func (ba *ByteArray) ReadFixInt16() (int16, error) {
	v, err := ba.ReadFixUint16()
	return int16(v), err
}

// ReadFixUint16 reads a fixed-width uint16.
func (ba *ByteArray) ReadFixUint16() (uint16, error) {
	var b [2]byte
	if err := ba.Read(b[:]); err != nil {
		return 0, err
	}
	return ba.order.Uint16(b[:]), nil
}

// ReadFixInt32 reads a fixed-width int32.
func (ba *ByteArray) ReadFixInt32() (int32, error) {
	v, err := ba.ReadFixUint32()
	return int32(v), err
}

// ReadFixUint32 reads a fixed-width uint32.
func (ba *ByteArray) ReadFixUint32() (uint32, error) {
	var b [4]byte
	if err := ba.Read(b[:]); err != nil {
		return 0, err
	}
	return ba.order.Uint32(b[:]), nil
}

// ReadFixInt64 reads a fixed-width int64.
func (ba *ByteArray) ReadFixInt64() (int64, error) {
	v, err := ba.ReadFixUint64()
	return int64(v), err
}

// ReadFixUint64 reads a fixed-width uint64.
func (ba *ByteArray) ReadFixUint64() (uint64, error) {
	var b [8]byte
	if err := ba.Read(b[:]); err != nil {
		return 0, err
	}
	return ba.order.Uint64(b[:]), nil
}

// ReadUint32 reads a LEB128 varint into a uint32.
func (ba *ByteArray) ReadUint32() (uint32, error) {
	v, err := ba.ReadUint64()
	if err != nil {
		return 0, err
	}
	out, cerr := safecast.Conv[uint32](v)
	if cerr != nil {
		return 0, fmt.Errorf("serialize: varint overflows u32: %w", api.ErrOutOfRange)
	}
	return out, nil
}

// ReadUint64 reads a LEB128 varint.
func (ba *ByteArray) ReadUint64() (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := ba.ReadFixUint8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("serialize: varint too long: %w", api.ErrOutOfRange)
}

// ReadInt32 reads a ZigZag-encoded varint.
func (ba *ByteArray) ReadInt32() (int32, error) {
	v, err := ba.ReadUint32()
	return decodeZigzag32(v), err
}

// ReadInt64 reads a ZigZag-encoded varint.
func (ba *ByteArray) ReadInt64() (int64, error) {
	v, err := ba.ReadUint64()
	return decodeZigzag64(v), err
}

// ReadFloat32 reads an IEEE-754 float32.
func (ba *ByteArray) ReadFloat32() (float32, error) {
	v, err := ba.ReadFixUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads an IEEE-754 float64.
func (ba *ByteArray) ReadFloat64() (float64, error) {
	v, err := ba.ReadFixUint64()
	return math.Float64frombits(v), err
}

// ReadStringF16 reads a string with a fixed uint16 length prefix.
func (ba *ByteArray) ReadStringF16() (string, error) {
	n, err := ba.ReadFixUint16()
	if err != nil {
		return "", err
	}
	return ba.readString(int(n))
}

// ReadStringF32 reads a string with a fixed uint32 length prefix.
func (ba *ByteArray) ReadStringF32() (string, error) {
	n, err := ba.ReadFixUint32()
	if err != nil {
		return "", err
	}
	return ba.readString(int(n))
}

// ReadStringF64 reads a string with a fixed uint64 length prefix.
func (ba *ByteArray) ReadStringF64() (string, error) {
	n, err := ba.ReadFixUint64()
	if err != nil {
		return "", err
	}
	ln, cerr := safecast.Conv[int](n)
	if cerr != nil {
		return "", fmt.Errorf("serialize: string length %d: %w", n, api.ErrOutOfRange)
	}
	return ba.readString(ln)
}

// ReadStringVint reads a string with a varint length prefix.
func (ba *ByteArray) ReadStringVint() (string, error) {
	n, err := ba.ReadUint64()
	if err != nil {
		return "", err
	}
	ln, cerr := safecast.Conv[int](n)
	if cerr != nil {
		return "", fmt.Errorf("serialize: string length %d: %w", n, api.ErrOutOfRange)
	}
	return ba.readString(ln)
}

func (ba *ByteArray) readString(n int) (string, error) {
	p := make([]byte, n)
	if err := ba.Read(p); err != nil {
		return "", err
	}
	return string(p), nil
}

func encodeZigzag32(v int32) uint32 { return uint32((v << 1) ^ (v >> 31)) }

func decodeZigzag32(v uint32) int32 { return int32(v>>1) ^ -int32(v&1) }

func encodeZigzag64(v int64) uint64 { return uint64((v << 1) ^ (v >> 63)) }

func decodeZigzag64(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }
