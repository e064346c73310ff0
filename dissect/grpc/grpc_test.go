package grpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func encodeLiteral(name, value string) []byte {
	out := []byte{0x40}
	out = append(out, byte(len(name)))
	out = append(out, []byte(name)...)
	out = append(out, byte(len(value)))
	out = append(out, []byte(value)...)
	return out
}

func frameHeader(length int, typ FrameType, flags uint8, streamID uint32) []byte {
	b := make([]byte, http2FrameHeaderSize)
	b[0] = byte(length >> 16)
	b[1] = byte(length >> 8)
	b[2] = byte(length)
	b[3] = byte(typ)
	b[4] = flags
	b[5] = byte(streamID >> 24)
	b[6] = byte(streamID >> 16)
	b[7] = byte(streamID >> 8)
	b[8] = byte(streamID)
	return b
}

func buildHeadersFrame(streamID uint32) []byte {
	block := encodeLiteral(":method", "POST")
	block = append(block, encodeLiteral(":path", "/pkg.Greeter/SayHello")...)
	block = append(block, encodeLiteral("content-type", "application/grpc+proto")...)

	hdr := frameHeader(len(block), FrameHeaders, flagEndHeaders, streamID)
	return append(hdr, block...)
}

func buildDataFrame(streamID uint32, payload []byte) []byte {
	grpcMsg := make([]byte, grpcMessageHeaderSize)
	binaryPutUint32(grpcMsg[1:5], uint32(len(payload)))
	grpcMsg = append(grpcMsg, payload...)

	hdr := frameHeader(len(grpcMsg), FrameData, flagEndStream, streamID)
	return append(hdr, grpcMsg...)
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestCanParseAcceptsPrefaceAndFrames(t *testing.T) {
	p := &Parser{}
	ctx := parser.NewParseContext(bslice.Borrowed([]byte(http2Preface)))
	require.True(t, p.CanParse(ctx))

	frame := buildHeadersFrame(1)
	ctx2 := parser.NewParseContext(bslice.Borrowed(frame))
	require.True(t, p.CanParse(ctx2))

	require.False(t, p.CanParse(parser.NewParseContext(bslice.Borrowed([]byte("short")))))
}

func TestParserDecodesHeadersFrameServiceAndMethod(t *testing.T) {
	frame := buildHeadersFrame(1)
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &Parser{Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.True(t, msg.IsValid)
	require.Equal(t, "Greeter", msg.Call.Service)
	require.Equal(t, "SayHello", msg.Call.Method)
	require.True(t, msg.IsEndHeaders)
	require.Equal(t, "POST", msg.RequestHeaders.Method)
}

func TestParserDecodesDataFrameProtobufPayload(t *testing.T) {
	payload := []byte{0x0A, 0x05, 'h', 'e', 'l', 'l', 'o'} // field 1, wiretype 2 (length-delimited)
	frame := buildDataFrame(1, payload)
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &Parser{Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.True(t, msg.IsValid)
	require.True(t, msg.IsRequest) // odd stream ID
	require.Equal(t, payload, msg.Payload)
	require.True(t, msg.IsEndStream)
}

func TestExtractServiceMethodSplitsPackageQualifiedService(t *testing.T) {
	service, method, ok := ExtractServiceMethod("/my.pkg.Greeter/SayHello")
	require.True(t, ok)
	require.Equal(t, "Greeter", service)
	require.Equal(t, "SayHello", method)

	_, _, ok = ExtractServiceMethod("not-a-path")
	require.False(t, ok)
}

func TestDetectCompressionRecognizesGzipMagic(t *testing.T) {
	require.Equal(t, CompressionGzip, DetectCompression([]byte{0x1F, 0x8B, 0x08}))
	require.Equal(t, CompressionNone, DetectCompression([]byte{0x00, 0x00}))
}

func TestStatisticsRecordTracksCallsAndBytes(t *testing.T) {
	stats := NewStatistics()
	payload := []byte{0x0A, 0x02, 'h', 'i'}
	stats.Record(Message{
		Frame:     FrameHeader{Type: FrameHeaders, StreamID: 1},
		IsValid:   true,
		Call:      Call{Method: "SayHello"},
	})
	stats.Record(Message{
		Frame:     FrameHeader{Type: FrameData, StreamID: 1},
		IsValid:   true,
		IsRequest: true,
		Payload:   payload,
	})

	snap := stats.Snapshot()
	require.EqualValues(t, 2, snap.TotalCalls)
	require.EqualValues(t, 1, snap.MethodCounts["SayHello"])
	require.EqualValues(t, len(payload), snap.RequestBytes)
}
