// Package ipc implements ports, sessions and session requests.
//
// A client sends a request by naming a message buffer in its own address
// space. The server copies the message into its buffer on ReceiveRequest and
// copies its reply back on SendReply. Synchronous senders block in the kernel
// until the reply; asynchronous senders pass an event that is signalled when
// the reply, or an error written into their buffer, is available.
package ipc

import (
	"encoding/binary"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// HeaderSize is the size of the message header.
const HeaderSize = 8

// asyncResultOffset is where an asynchronous error reply stores its result.
const asyncResultOffset = 8

// Message is a view of a message buffer:
//
//	bytes 0..3  tag
//	bytes 4..7  payload size in bytes
//	bytes 8..   payload
type Message []byte

// Tag returns the message tag.
func (m Message) Tag() uint32 { return binary.LittleEndian.Uint32(m[0:4]) }

// PayloadSize returns the payload size recorded in the header.
func (m Message) PayloadSize() uint32 { return binary.LittleEndian.Uint32(m[4:8]) }

// Payload returns the payload bytes.
func (m Message) Payload() []byte { return m[HeaderSize : HeaderSize+int(m.PayloadSize())] }

// Len returns the total message length the header describes.
func (m Message) Len() uint64 { return HeaderSize + uint64(m.PayloadSize()) }

// SetHeader writes the header.
func (m Message) SetHeader(tag, payloadSize uint32) {
	binary.LittleEndian.PutUint32(m[0:4], tag)
	binary.LittleEndian.PutUint32(m[4:8], payloadSize)
}

// AsyncResult returns the result stored by an asynchronous error reply.
func (m Message) AsyncResult() result.Result {
	return result.Result(binary.LittleEndian.Uint32(m[asyncResultOffset : asyncResultOffset+4]))
}

// SetAsyncResult clears the header and stores res after it.
func (m Message) SetAsyncResult(res result.Result) {
	for i := 0; i < asyncResultOffset; i++ {
		m[i] = 0
	}
	binary.LittleEndian.PutUint32(m[asyncResultOffset:asyncResultOffset+4], res.Value())
}

// messageView maps [addr, addr+size) of p.
func messageView(p *kernel.Process, addr, size uint64) (Message, error) {
	pt := p.PageTable()
	if pt == nil || size < HeaderSize {
		return nil, result.InvalidCurrentMemory
	}
	b, err := pt.LinearView(addr, size)
	if err != nil {
		return nil, result.InvalidCurrentMemory
	}
	return Message(b), nil
}

// copyMessage copies the message in src into dst.
func copyMessage(dst, src Message) error {
	n := src.Len()
	if n > uint64(len(src)) {
		return result.InvalidCombination
	}
	if n > uint64(len(dst)) {
		return result.MessageTooLarge
	}
	copy(dst, src[:n])
	return nil
}

// replyAsyncError writes res into an asynchronous sender's buffer. A buffer
// that no longer translates is skipped; the event still completes the
// request.
func replyAsyncError(p *kernel.Process, addr, size uint64, res error) {
	m, err := messageView(p, addr, size)
	if err != nil || len(m) < asyncResultOffset+4 {
		return
	}
	m.SetAsyncResult(result.From(res))
}
