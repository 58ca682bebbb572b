package wiremessage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawDoc(t *testing.T, body string) []byte {
	t.Helper()
	// {"k": body} hand-encoded as minimal valid BSON is unnecessary here; tests only exercise
	// framing, so a blob with a 4-byte length prefix followed by a 0x00 byte works.
	doc := []byte{0x00, 0x00, 0x00, 0x00, 0x00}
	doc = append(doc, []byte(body)...)
	binaryPutLen(doc)
	return doc
}

func binaryPutLen(doc []byte) {
	n := len(doc)
	doc[0] = byte(n)
	doc[1] = byte(n >> 8)
	doc[2] = byte(n >> 16)
	doc[3] = byte(n >> 24)
}

func TestBuildAndParseMsg_RoundTrip(t *testing.T) {
	body := rawDoc(t, "cmd")
	seq1 := rawDoc(t, "a")
	seq2 := rawDoc(t, "b")

	wm := BuildMsg(7, body, []Payload{
		{Identifier: "ops", Documents: [][]byte{seq1, seq2}},
	}, false)

	parsed, err := ParseMsg(wm)
	require.NoError(t, err)
	assert.Equal(t, OpMsg, parsed.Header.OpCode)
	assert.Equal(t, int32(7), parsed.Header.RequestID)
	assert.Equal(t, body, []byte(parsed.Body))
	require.Len(t, parsed.Payloads, 1)
	assert.Equal(t, "ops", parsed.Payloads[0].Identifier)
	require.Len(t, parsed.Payloads[0].Documents, 2)
	assert.Equal(t, seq1, parsed.Payloads[0].Documents[0])
	assert.Equal(t, seq2, parsed.Payloads[0].Documents[1])
}

func TestParseMsg_RejectsWrongOpcode(t *testing.T) {
	idx, dst := AppendHeader(nil, 1, 0, OpReply)
	dst = UpdateLength(dst, idx, int32(len(dst)))
	_, err := ParseMsg(dst)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestValidateSize(t *testing.T) {
	assert.NoError(t, ValidateSize(100, 50, 1000))
	err := ValidateSize(900, 200, 1000)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestCompressDecompressRoundTrip_Snappy(t *testing.T) {
	body := rawDoc(t, "hello world, compress me please")
	wm := BuildMsg(1, body, nil, false)

	compressed, err := CompressMessage(wm, CompressorSnappy)
	require.NoError(t, err)

	_, rest, ok := ReadHeader(compressed)
	require.True(t, ok)
	require.Equal(t, byte(CompressorSnappy), rest[8])

	restored, err := DecompressMessage(compressed)
	require.NoError(t, err)
	assert.Equal(t, wm, restored)
}

func TestCompressDecompressRoundTrip_Zlib(t *testing.T) {
	body := rawDoc(t, "zlib body contents for roundtrip test")
	wm := BuildMsg(2, body, nil, false)

	compressed, err := CompressMessage(wm, CompressorZlib)
	require.NoError(t, err)
	restored, err := DecompressMessage(compressed)
	require.NoError(t, err)
	assert.Equal(t, wm, restored)
}

func TestCompressDecompressRoundTrip_Zstd(t *testing.T) {
	body := rawDoc(t, "zstd body contents for roundtrip test")
	wm := BuildMsg(3, body, nil, false)

	compressed, err := CompressMessage(wm, CompressorZstd)
	require.NoError(t, err)
	restored, err := DecompressMessage(compressed)
	require.NoError(t, err)
	assert.Equal(t, wm, restored)
}

func TestDecompressMessage_PassesThroughNonCompressed(t *testing.T) {
	body := rawDoc(t, "plain")
	wm := BuildMsg(4, body, nil, false)
	restored, err := DecompressMessage(wm)
	require.NoError(t, err)
	assert.Equal(t, wm, restored)
}
