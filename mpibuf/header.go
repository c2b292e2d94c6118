package mpibuf

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the encoded size of a MessageHeader
const HeaderSize = 16

// MessageHeader precedes every build buffer copied into a transmit buffer.
// guard is the sum of the other fields and lets the reader detect that it
// walked into garbage.
type MessageHeader struct {
	offset       int32
	threadSource int32
	tag          int32
	guard        int32
}

func NewMessageHeader(threadSource, tag int) MessageHeader {
	var h MessageHeader
	h.Reset(threadSource, tag)
	return h
}

func (h *MessageHeader) Reset(threadSource, tag int) {
	h.offset = 0
	h.threadSource = int32(threadSource)
	h.tag = int32(tag)
	h.setGuard()
}

func (h *MessageHeader) ResetOffset() {
	h.offset = 0
	h.setGuard()
}

// Append grows the payload by n bytes and returns the new offset
func (h *MessageHeader) Append(n int) int {
	h.offset += int32(n)
	h.setGuard()
	return int(h.offset)
}

func (h *MessageHeader) setGuard() {
	h.guard = h.offset + h.threadSource + h.tag
}

func (h MessageHeader) Validate() bool {
	return h.offset >= 0 && h.guard == h.offset+h.threadSource+h.tag
}

func (h MessageHeader) Offset() int       { return int(h.offset) }
func (h MessageHeader) ThreadSource() int { return int(h.threadSource) }
func (h MessageHeader) Tag() int          { return int(h.tag) }

func (h MessageHeader) String() string {
	return fmt.Sprintf("MessageHeader{offset: %d threadSource: %d tag: %d guard: %d valid: %v}",
		h.offset, h.threadSource, h.tag, h.guard, h.Validate())
}

// Put encodes h into the first HeaderSize bytes of b
func (h MessageHeader) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(h.offset))
	binary.LittleEndian.PutUint32(b[4:], uint32(h.threadSource))
	binary.LittleEndian.PutUint32(b[8:], uint32(h.tag))
	binary.LittleEndian.PutUint32(b[12:], uint32(h.guard))
}

func ReadMessageHeader(b []byte) MessageHeader {
	_ = b[HeaderSize-1]
	return MessageHeader{
		offset:       int32(binary.LittleEndian.Uint32(b[0:])),
		threadSource: int32(binary.LittleEndian.Uint32(b[4:])),
		tag:          int32(binary.LittleEndian.Uint32(b[8:])),
		guard:        int32(binary.LittleEndian.Uint32(b[12:])),
	}
}
