// Package socket implements the four message-socket endpoints a POT
// proxy exposes: the external request (router-style) and publish
// (pub/sub-style) sockets, and the per-worker request (dealer-style) and
// publish (sub-style) sockets. Built from scratch on top of net.Conn —
// a TCP listener, a per-connection registry, and length-prefixed
// framing — rather than any wrapped message-queue SDK.
package socket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// FrameConn wraps a net.Conn with a length-prefixed, multi-frame message
// protocol: each message is a group of one or more byte frames that are
// read or written atomically. Frames carry arbitrary raw bytes rather
// than being restricted to valid JSON, which is what lets a bulk frame
// carry its raw payload unchanged.
type FrameConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *FrameConn) Close() error { return c.conn.Close() }

// Send writes a single message (one or more frames) atomically.
func (c *FrameConn) Send(frames ...[]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeMessage(c.conn, frames)
}

// SendAtomic writes one or more messages as a single critical section,
// so a caller that must deliver a descriptor-then-bulk pair (or an
// ACK-then-REP pair) without another goroutine's frames interleaving on
// the same connection can do so in one call.
func (c *FrameConn) SendAtomic(msgs ...[][]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, frames := range msgs {
		if err := writeMessage(c.conn, frames); err != nil {
			return err
		}
	}
	return nil
}

func writeMessage(w io.Writer, frames [][]byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frames)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(f)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if len(f) > 0 {
			if _, err := w.Write(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// maxFrames/maxFrameLen bound a single message against a corrupt or
// hostile peer; they are generous enough never to bind real traffic
// (the largest bulk payloads are full-frame images).
const (
	maxFrames    = 1 << 16
	maxFrameLen  = 1 << 30
)

// Recv blocks for the next complete message and returns its frames in
// order.
func (c *FrameConn) Recv() ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrames {
		return nil, fmt.Errorf("socket: frame count %d exceeds limit", n)
	}
	frames := make([][]byte, n)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return nil, err
		}
		flen := binary.BigEndian.Uint32(hdr[:])
		if flen > maxFrameLen {
			return nil, fmt.Errorf("socket: frame length %d exceeds limit", flen)
		}
		buf := make([]byte, flen)
		if flen > 0 {
			if _, err := io.ReadFull(c.r, buf); err != nil {
				return nil, err
			}
		}
		frames[i] = buf
	}
	return frames, nil
}
