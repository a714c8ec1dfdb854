//go:build linux

// File: socket/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"github.com/momentics/coroio/serialize"
)

// Stream is a byte-oriented transport. Read and Write return the count
// moved, 0 on orderly close and an error on failure.
type Stream interface {
	Read(p []byte) (int, error)
	ReadToByteArray(ba *serialize.ByteArray, length int) (int, error)
	Write(p []byte) (int, error)
	WriteFromByteArray(ba *serialize.ByteArray, length int) (int, error)
	Close() error
}

// ReadFull reads exactly len(p) bytes from st unless the stream ends.
func ReadFull(st Stream, p []byte) (int, error) {
	off := 0
	for off < len(p) {
		n, err := st.Read(p[off:])
		if err != nil {
			return off, err
		}
		if n == 0 {
			return off, nil
		}
		off += n
	}
	return off, nil
}

// WriteFull writes all of p to st unless the stream fails.
func WriteFull(st Stream, p []byte) (int, error) {
	off := 0
	for off < len(p) {
		n, err := st.Write(p[off:])
		if err != nil {
			return off, err
		}
		if n == 0 {
			return off, nil
		}
		off += n
	}
	return off, nil
}

// SocketStream adapts a Socket to the Stream interface. When owned, closing
// the stream closes the socket.
type SocketStream struct {
	sock  *Socket
	owned bool
}

// NewSocketStream wraps sock. With owned the stream takes responsibility
// for closing it.
func NewSocketStream(sock *Socket, owned bool) *SocketStream {
	return &SocketStream{sock: sock, owned: owned}
}

// Socket returns the underlying socket.
func (ss *SocketStream) Socket() *Socket { return ss.sock }

// Read receives into p.
func (ss *SocketStream) Read(p []byte) (int, error) {
	return ss.sock.Recv(p, 0)
}

// ReadToByteArray receives up to length bytes directly into ba's writable
// region and advances its cursor by what arrived.
func (ss *SocketStream) ReadToByteArray(ba *serialize.ByteArray, length int) (int, error) {
	iovs := ba.WritableBuffers(length)
	n, err := ss.sock.RecvBuffers(iovs)
	if n > 0 {
		if perr := ba.SetPosition(ba.Position() + n); perr != nil {
			return n, perr
		}
	}
	return n, err
}

// Write sends p.
func (ss *SocketStream) Write(p []byte) (int, error) {
	return ss.sock.Send(p, 0)
}

// WriteFromByteArray sends up to length readable bytes from ba and advances
// its cursor by what was sent.
func (ss *SocketStream) WriteFromByteArray(ba *serialize.ByteArray, length int) (int, error) {
	iovs := ba.ReadableBuffers(length)
	n, err := ss.sock.SendBuffers(iovs)
	if n > 0 {
		if perr := ba.SetPosition(ba.Position() + n); perr != nil {
			return n, perr
		}
	}
	return n, err
}

// Close releases the socket when owned.
func (ss *SocketStream) Close() error {
	if ss.owned {
		return ss.sock.Close()
	}
	return nil
}
