// File: serialize/bytearray.go
// Package serialize implements a node-linked binary array with fixed-width,
// varint and ZigZag codecs.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A ByteArray grows by appending fixed-size nodes, so large payloads never
// reallocate and the readable region can be handed to scatter-gather socket
// calls without copying. Wire order defaults to big-endian and is
// selectable per array.

package serialize

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/momentics/coroio/api"
)

// DefaultNodeSize is the default storage node size in bytes.
const DefaultNodeSize = 4096

type node struct {
	data []byte
	next *node
}

// ByteArray is a cursor-addressed, node-linked binary buffer.
type ByteArray struct {
	nodeSize int
	pos      int
	capacity int
	size     int
	order    binary.ByteOrder
	root     *node

	// cur caches the node at index curIndex so sequential access does not
	// walk the list from the root every time.
	cur      *node
	curIndex int
}

// New creates a ByteArray with the given node size (DefaultNodeSize when
// zero or negative).
func New(nodeSize int) *ByteArray {
	if nodeSize <= 0 {
		nodeSize = DefaultNodeSize
	}
	n := &node{data: make([]byte, nodeSize)}
	return &ByteArray{
		nodeSize: nodeSize,
		capacity: nodeSize,
		order:    binary.BigEndian,
		root:     n,
		cur:      n,
	}
}

// NodeSize returns the storage node size.
func (ba *ByteArray) NodeSize() int { return ba.nodeSize }

// Size returns the number of bytes written.
func (ba *ByteArray) Size() int { return ba.size }

// Capacity returns the total allocated bytes.
func (ba *ByteArray) Capacity() int { return ba.capacity }

// Position returns the cursor.
func (ba *ByteArray) Position() int { return ba.pos }

// ReadSize returns the bytes available between cursor and size.
func (ba *ByteArray) ReadSize() int { return ba.size - ba.pos }

// LittleEndian reports whether multi-byte fixed writes use little-endian.
func (ba *ByteArray) LittleEndian() bool { return ba.order == binary.LittleEndian }

// SetLittleEndian selects the wire order for fixed-width values.
func (ba *ByteArray) SetLittleEndian(v bool) {
	if v {
		ba.order = binary.LittleEndian
	} else {
		ba.order = binary.BigEndian
	}
}

// Clear resets the array to a single node.
func (ba *ByteArray) Clear() {
	ba.pos = 0
	ba.size = 0
	ba.capacity = ba.nodeSize
	ba.root = &node{data: make([]byte, ba.nodeSize)}
	ba.cur = ba.root
	ba.curIndex = 0
}

// SetPosition moves the cursor. Moving past size extends size; moving past
// capacity is an error.
func (ba *ByteArray) SetPosition(v int) error {
	if v < 0 || v > ba.capacity {
		return fmt.Errorf("serialize: set position %d: %w", v, api.ErrOutOfRange)
	}
	ba.pos = v
	if ba.pos > ba.size {
		ba.size = ba.pos
	}
	return nil
}

// nodeFor returns the node holding byte index pos and the offset within it,
// advancing the cached cursor node.
func (ba *ByteArray) nodeFor(pos int) (*node, int) {
	idx := pos / ba.nodeSize
	off := pos % ba.nodeSize
	n, i := ba.root, 0
	if idx >= ba.curIndex {
		n, i = ba.cur, ba.curIndex
	}
	for i < idx {
		n = n.next
		i++
	}
	ba.cur, ba.curIndex = n, i
	return n, off
}

// walkTo is nodeFor without touching the cache, for read-only views.
func (ba *ByteArray) walkTo(pos int) (*node, int) {
	idx := pos / ba.nodeSize
	n := ba.root
	for ; idx > 0; idx-- {
		n = n.next
	}
	return n, pos % ba.nodeSize
}

// addCapacity guarantees room for n more bytes past the cursor.
func (ba *ByteArray) addCapacity(n int) {
	if n <= 0 {
		return
	}
	remain := ba.capacity - ba.pos
	if remain >= n {
		return
	}
	need := n - remain
	count := (need + ba.nodeSize - 1) / ba.nodeSize
	last := ba.root
	for last.next != nil {
		last = last.next
	}
	for i := 0; i < count; i++ {
		last.next = &node{data: make([]byte, ba.nodeSize)}
		last = last.next
		ba.capacity += ba.nodeSize
	}
}

// Write copies p at the cursor, extending capacity as needed.
func (ba *ByteArray) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	ba.addCapacity(len(p))
	bpos := 0
	for bpos < len(p) {
		n, off := ba.nodeFor(ba.pos)
		c := copy(n.data[off:], p[bpos:])
		bpos += c
		ba.pos += c
	}
	if ba.pos > ba.size {
		ba.size = ba.pos
	}
}

// Read copies len(p) bytes from the cursor into p.
func (ba *ByteArray) Read(p []byte) error {
	if len(p) > ba.ReadSize() {
		return fmt.Errorf("serialize: read %d of %d: %w", len(p), ba.ReadSize(), api.ErrOutOfRange)
	}
	bpos := 0
	for bpos < len(p) {
		n, off := ba.nodeFor(ba.pos)
		c := copy(p[bpos:], n.data[off:])
		bpos += c
		ba.pos += c
	}
	return nil
}

// ReadAt copies len(p) bytes starting at position without moving the cursor.
func (ba *ByteArray) ReadAt(p []byte, position int) error {
	if position < 0 || len(p) > ba.size-position {
		return fmt.Errorf("serialize: read at %d: %w", position, api.ErrOutOfRange)
	}
	bpos := 0
	for bpos < len(p) {
		n, off := ba.walkTo(position)
		c := copy(p[bpos:], n.data[off:])
		bpos += c
		position += c
	}
	return nil
}

// ReadableBuffers returns the readable region [position, size) as slices
// sized for scatter-gather I/O, up to limit bytes. A negative limit means
// everything readable.
func (ba *ByteArray) ReadableBuffers(limit int) [][]byte {
	avail := ba.ReadSize()
	if limit < 0 || limit > avail {
		limit = avail
	}
	if limit == 0 {
		return nil
	}
	var out [][]byte
	pos := ba.pos
	for limit > 0 {
		n, off := ba.walkTo(pos)
		c := ba.nodeSize - off
		if c > limit {
			c = limit
		}
		out = append(out, n.data[off:off+c])
		limit -= c
		pos += c
	}
	return out
}

// WritableBuffers grows capacity for n bytes past the cursor and returns
// the region as slices. After filling them, advance with SetPosition.
func (ba *ByteArray) WritableBuffers(n int) [][]byte {
	if n <= 0 {
		return nil
	}
	ba.addCapacity(n)
	var out [][]byte
	pos := ba.pos
	for n > 0 {
		nd, off := ba.walkTo(pos)
		c := ba.nodeSize - off
		if c > n {
			c = n
		}
		out = append(out, nd.data[off:off+c])
		n -= c
		pos += c
	}
	return out
}

// WriteToFile dumps the readable region [position, size) to a file.
func (ba *ByteArray) WriteToFile(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("serialize: write file: %w", err)
	}
	defer f.Close()
	for _, b := range ba.ReadableBuffers(-1) {
		if _, err := f.Write(b); err != nil {
			return fmt.Errorf("serialize: write file: %w", err)
		}
	}
	return nil
}

// ReadFromFile appends the file's contents at the cursor.
func (ba *ByteArray) ReadFromFile(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("serialize: read file: %w", err)
	}
	defer f.Close()
	buf := make([]byte, ba.nodeSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			ba.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return nil
}

// String renders the readable region as raw bytes.
func (ba *ByteArray) String() string {
	p := make([]byte, ba.ReadSize())
	if err := ba.ReadAt(p, ba.pos); err != nil {
		return ""
	}
	return string(p)
}

// HexString renders the readable region as uppercase hex, 32 bytes a line.
func (ba *ByteArray) HexString() string {
	p := make([]byte, ba.ReadSize())
	if err := ba.ReadAt(p, ba.pos); err != nil {
		return ""
	}
	var sb strings.Builder
	for i, b := range p {
		if i > 0 && i%32 == 0 {
			sb.WriteByte('\n')
		} else if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
