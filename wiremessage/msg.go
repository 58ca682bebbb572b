package wiremessage

import "fmt"

// Payload is a kind-1 document sequence section: an identifier ("documents", "nsInfo", "ops",
// ...) plus the back-to-back documents it carries (§4.A, §4.I).
type Payload struct {
	Identifier string
	Documents  [][]byte
}

// BuildMsg encodes an OP_MSG frame: a header, the command body as a kind-0 section, and zero or
// more kind-1 document-sequence sections (§4.A). moreToCome marks an unacknowledged write.
func BuildMsg(requestID int32, commandBody []byte, payloads []Payload, moreToCome bool) []byte {
	var flags MsgFlags
	if moreToCome {
		flags |= MoreToCome
	}

	idx, dst := AppendHeader(nil, requestID, 0, OpMsg)
	dst = AppendMsgFlags(dst, flags)
	dst = AppendSingleDocumentSection(dst, commandBody)
	for _, p := range payloads {
		dst = AppendDocumentSequenceSection(dst, p.Identifier, p.Documents)
	}
	return UpdateLength(dst, idx, int32(len(dst)-int(idx)))
}

// ParsedMsg is the result of decoding an OP_MSG frame.
type ParsedMsg struct {
	Header   Header
	Flags    MsgFlags
	Body     []byte
	Payloads []Payload
}

// ParseMsg decodes a full OP_MSG wire message, including any OP_COMPRESSED envelope already
// having been stripped by DecompressMessage.
func ParseMsg(wm []byte) (ParsedMsg, error) {
	header, rest, ok := ReadHeader(wm)
	if !ok {
		return ParsedMsg{}, fmt.Errorf("%w: message shorter than header", ErrMalformedMessage)
	}
	if header.OpCode != OpMsg {
		return ParsedMsg{}, fmt.Errorf("%w: expected OP_MSG, got %s", ErrMalformedMessage, header.OpCode)
	}
	// constrain to just this message in case the caller passed a buffer with trailing bytes.
	bodyLen := int(header.Length) - headerLen
	if bodyLen < 0 || bodyLen > len(rest) {
		return ParsedMsg{}, fmt.Errorf("%w: length field out of range", ErrMalformedMessage)
	}
	rest = rest[:bodyLen]

	flags, rest, ok := ReadMsgFlags(rest)
	if !ok {
		return ParsedMsg{}, fmt.Errorf("%w: missing flagBits", ErrMalformedMessage)
	}

	out := ParsedMsg{Header: header, Flags: flags}
	if flags&ChecksumPresent != 0 {
		if len(rest) < 4 {
			return ParsedMsg{}, fmt.Errorf("%w: missing checksum", ErrMalformedMessage)
		}
		rest = rest[:len(rest)-4]
	}

	for len(rest) > 0 {
		stype, body, ok := ReadSectionType(rest)
		if !ok {
			return ParsedMsg{}, fmt.Errorf("%w: missing section type", ErrMalformedMessage)
		}
		switch stype {
		case SingleDocument:
			var doc []byte
			doc, rest, ok = ReadSingleDocumentSection(body)
			if !ok {
				return ParsedMsg{}, fmt.Errorf("%w: malformed single-document section", ErrMalformedMessage)
			}
			out.Body = doc
		case DocumentSequence:
			var identifier string
			var docs [][]byte
			identifier, docs, rest, ok = ReadDocumentSequenceSection(body)
			if !ok {
				return ParsedMsg{}, fmt.Errorf("%w: malformed document-sequence section", ErrMalformedMessage)
			}
			out.Payloads = append(out.Payloads, Payload{Identifier: identifier, Documents: docs})
		default:
			return ParsedMsg{}, fmt.Errorf("%w: unknown section type %d", ErrMalformedMessage, stype)
		}
	}

	if out.Body == nil {
		return ParsedMsg{}, fmt.Errorf("%w: no command body section", ErrMalformedMessage)
	}

	return out, nil
}

// ValidateSize rejects a command assembly that would exceed the server's negotiated message or
// document size limits (§4.A size validation, §4.F step 3).
func ValidateSize(bodyLen, payloadLen, maxMessageSize int) error {
	const overhead = headerLen + 4 // header + flagBits
	if overhead+bodyLen+payloadLen > maxMessageSize {
		return fmt.Errorf("%w: assembled message of %d bytes exceeds maxMessageSizeBytes %d",
			ErrMessageTooLarge, overhead+bodyLen+payloadLen, maxMessageSize)
	}
	return nil
}

// ErrMessageTooLarge is returned by ValidateSize when an assembled command would exceed the
// server's negotiated maxMessageSizeBytes.
var ErrMessageTooLarge = fmt.Errorf("assembled message exceeds maxMessageSizeBytes")
