// Package wiremessage implements encoding and decoding of the MongoDB wire protocol: OP_MSG
// frames with document sequences, and the OP_COMPRESSED envelope (§4.A, §6).
package wiremessage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// OpCode is a wire protocol operation code.
type OpCode int32

// The wire protocol opcodes consumed or produced by this package (§6).
const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpMsg        OpCode = 2013
	OpCompressed OpCode = 2012
)

func (code OpCode) String() string {
	switch code {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpMsg:
		return "OP_MSG"
	case OpCompressed:
		return "OP_COMPRESSED"
	default:
		return fmt.Sprintf("OpCode(%d)", int32(code))
	}
}

// headerLen is the fixed 16-byte message header: length, requestID, responseTo, opCode.
const headerLen = 16

var nextRequestID int32

// NextRequestID atomically returns the next request id to stamp onto an outgoing message.
func NextRequestID() int32 {
	return atomic.AddInt32(&nextRequestID, 1)
}

// Header is the fixed-size preamble on every wire protocol message.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// AppendHeader appends a placeholder header to dst and returns the index of the start of the
// header (so the length can be patched in later with UpdateLength) along with the new slice.
func AppendHeader(dst []byte, requestID, responseTo int32, code OpCode) (idx int32, out []byte) {
	idx = int32(len(dst))
	var buf [headerLen]byte
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(code))
	return idx, append(dst, buf[:]...)
}

// UpdateLength patches the 4-byte length field at idx with the given length.
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:idx+4], uint32(length))
	return dst
}

// ReadHeader reads the fixed header from the front of src, returning the remainder.
func ReadHeader(src []byte) (Header, []byte, bool) {
	if len(src) < headerLen {
		return Header{}, src, false
	}
	h := Header{
		Length:     int32(binary.LittleEndian.Uint32(src[0:4])),
		RequestID:  int32(binary.LittleEndian.Uint32(src[4:8])),
		ResponseTo: int32(binary.LittleEndian.Uint32(src[8:12])),
		OpCode:     OpCode(int32(binary.LittleEndian.Uint32(src[12:16]))),
	}
	return h, src[headerLen:], true
}

// MsgFlags are the flag bits carried in an OP_MSG's flagBits field.
type MsgFlags uint32

// OP_MSG flag bits (§6).
const (
	ChecksumPresent MsgFlags = 1 << 0
	MoreToCome      MsgFlags = 1 << 1
	ExhaustAllowed  MsgFlags = 1 << 16
)

// SectionType identifies the kind of an OP_MSG section.
type SectionType byte

// OP_MSG section kinds (§4.A, §6).
const (
	SingleDocument  SectionType = 0
	DocumentSequence SectionType = 1
)

// ErrMalformedMessage is returned when a wire message cannot be parsed.
var ErrMalformedMessage = errors.New("malformed wire message")

// AppendMsgFlags appends the 4-byte flagBits field.
func AppendMsgFlags(dst []byte, flags MsgFlags) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(flags))
	return append(dst, buf[:]...)
}

// ReadMsgFlags reads the flagBits field from the front of src.
func ReadMsgFlags(src []byte) (MsgFlags, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return MsgFlags(binary.LittleEndian.Uint32(src[0:4])), src[4:], true
}

// AppendSingleDocumentSection appends a kind-0 section carrying a single BSON document.
func AppendSingleDocumentSection(dst []byte, doc []byte) []byte {
	dst = append(dst, byte(SingleDocument))
	return append(dst, doc...)
}

// AppendDocumentSequenceSection appends a kind-1 section: a NUL-terminated identifier string
// followed by the back-to-back BSON documents of the sequence, with no per-document framing
// (§4.A, §6). The section's 4-byte size counts itself plus everything after it.
func AppendDocumentSequenceSection(dst []byte, identifier string, docs [][]byte) []byte {
	dst = append(dst, byte(DocumentSequence))
	sizeIdx := len(dst)
	dst = append(dst, 0, 0, 0, 0) // placeholder for section size
	dst = append(dst, identifier...)
	dst = append(dst, 0x00)
	for _, d := range docs {
		dst = append(dst, d...)
	}
	size := len(dst) - sizeIdx
	binary.LittleEndian.PutUint32(dst[sizeIdx:sizeIdx+4], uint32(size))
	return dst
}

// ReadSectionType reads the 1-byte section kind from the front of src.
func ReadSectionType(src []byte) (SectionType, []byte, bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return SectionType(src[0]), src[1:], true
}

// ReadSingleDocumentSection reads a kind-0 section's document. It relies on the document's own
// BSON length prefix (the first 4 bytes) to determine how much of src to consume.
func ReadSingleDocumentSection(src []byte) (doc []byte, rem []byte, ok bool) {
	n, ok := bsonLength(src)
	if !ok || n > len(src) {
		return nil, src, false
	}
	return src[:n], src[n:], true
}

// ReadDocumentSequenceSection reads a kind-1 section, returning its identifier, the individual
// documents it contains (split using each document's own length prefix), and the remainder.
func ReadDocumentSequenceSection(src []byte) (identifier string, docs [][]byte, rem []byte, ok bool) {
	if len(src) < 4 {
		return "", nil, src, false
	}
	size := int(binary.LittleEndian.Uint32(src[0:4]))
	if size < 4 || size > len(src) {
		return "", nil, src, false
	}
	section := src[4:size]
	rem = src[size:]

	nul := indexByte(section, 0)
	if nul < 0 {
		return "", nil, src, false
	}
	identifier = string(section[:nul])
	body := section[nul+1:]

	for len(body) > 0 {
		n, ok := bsonLength(body)
		if !ok || n > len(body) {
			return "", nil, src, false
		}
		docs = append(docs, body[:n])
		body = body[n:]
	}

	return identifier, docs, rem, true
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// bsonLength reads the int32 length prefix that begins every BSON document.
func bsonLength(b []byte) (int, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return int(int32(binary.LittleEndian.Uint32(b[0:4]))), true
}
