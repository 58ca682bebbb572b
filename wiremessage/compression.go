package wiremessage

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressorID identifies the compression algorithm used inside an OP_COMPRESSED envelope
// (§6).
type CompressorID uint8

// The compressor ids recognized on the wire.
const (
	CompressorNoop   CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZlib   CompressorID = 2
	CompressorZstd   CompressorID = 3
)

func (id CompressorID) String() string {
	switch id {
	case CompressorNoop:
		return "noop"
	case CompressorSnappy:
		return "snappy"
	case CompressorZlib:
		return "zlib"
	case CompressorZstd:
		return "zstd"
	default:
		return fmt.Sprintf("CompressorID(%d)", uint8(id))
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)

// CompressMessage wraps an OP_MSG (or any opcode) wire message in an OP_COMPRESSED envelope
// using the given compressor. The original opcode and uncompressed length are carried in the
// envelope so the peer can invert the operation (§6).
func CompressMessage(wm []byte, compressor CompressorID) ([]byte, error) {
	header, body, ok := ReadHeader(wm)
	if !ok {
		return nil, fmt.Errorf("%w: cannot compress a message shorter than the header", ErrMalformedMessage)
	}

	var compressed []byte
	var err error
	switch compressor {
	case CompressorNoop:
		compressed = body
	case CompressorSnappy:
		compressed = snappy.Encode(nil, body)
	case CompressorZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err = w.Write(body); err == nil {
			err = w.Close()
		}
		compressed = buf.Bytes()
	case CompressorZstd:
		compressed = zstdEncoder.EncodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported compressor id %v", compressor)
	}
	if err != nil {
		return nil, fmt.Errorf("compressing message body: %w", err)
	}

	idx, dst := AppendHeader(nil, header.RequestID, header.ResponseTo, OpCompressed)
	dst = appendInt32(dst, int32(header.OpCode))
	dst = appendInt32(dst, int32(len(body)))
	dst = append(dst, byte(compressor))
	dst = append(dst, compressed...)
	return UpdateLength(dst, idx, int32(len(dst)-int(idx))), nil
}

// DecompressMessage unwraps an OP_COMPRESSED envelope, restoring the original OP_MSG (or other
// opcode) frame including its header.
func DecompressMessage(wm []byte) ([]byte, error) {
	header, body, ok := ReadHeader(wm)
	if !ok {
		return nil, fmt.Errorf("%w: message shorter than header", ErrMalformedMessage)
	}
	if header.OpCode != OpCompressed {
		return wm, nil
	}
	if len(body) < 9 {
		return nil, fmt.Errorf("%w: OP_COMPRESSED envelope too short", ErrMalformedMessage)
	}
	originalOpCode := OpCode(int32(binary.LittleEndian.Uint32(body[0:4])))
	uncompressedLen := int32(binary.LittleEndian.Uint32(body[4:8]))
	compressor := CompressorID(body[8])
	payload := body[9:]

	var original []byte
	var err error
	switch compressor {
	case CompressorNoop:
		original = payload
	case CompressorSnappy:
		original, err = snappy.Decode(make([]byte, 0, uncompressedLen), payload)
	case CompressorZlib:
		var r io.ReadCloser
		r, err = zlib.NewReader(bytes.NewReader(payload))
		if err == nil {
			defer r.Close()
			buf := make([]byte, uncompressedLen)
			_, err = io.ReadFull(r, buf)
			original = buf
		}
	case CompressorZstd:
		var d *zstd.Decoder
		d, err = zstd.NewReader(nil)
		if err == nil {
			defer d.Close()
			original, err = d.DecodeAll(payload, make([]byte, 0, uncompressedLen))
		}
	default:
		return nil, fmt.Errorf("unsupported compressor id %v", compressor)
	}
	if err != nil {
		return nil, fmt.Errorf("decompressing OP_COMPRESSED payload: %w", err)
	}
	if int32(len(original)) != uncompressedLen {
		return nil, fmt.Errorf("%w: decompressed length %d does not match declared length %d",
			ErrMalformedMessage, len(original), uncompressedLen)
	}

	idx, dst := AppendHeader(nil, header.RequestID, header.ResponseTo, originalOpCode)
	dst = append(dst, original...)
	return UpdateLength(dst, idx, int32(len(dst)-int(idx))), nil
}

func appendInt32(dst []byte, v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return append(dst, buf[:]...)
}
