package http

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func TestCanParseSniffsMethodAndStatusLine(t *testing.T) {
	p := &Parser{}
	req := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	ctx := parser.NewParseContext(bslice.Borrowed(req))
	require.True(t, p.CanParse(ctx))

	resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	ctx2 := parser.NewParseContext(bslice.Borrowed(resp))
	require.True(t, p.CanParse(ctx2))

	garbage := []byte("not an http message at all")
	ctx3 := parser.NewParseContext(bslice.Borrowed(garbage))
	require.False(t, p.CanParse(ctx3))
}

func TestParserDecodesRequestWithContentLengthBody(t *testing.T) {
	raw := []byte("POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Type: application/json; charset=utf-8\r\nContent-Length: 13\r\n\r\n{\"ok\":true}\r\n")
	ctx := parser.NewParseContext(bslice.Borrowed(raw))
	p := &Parser{IsRequest: true, Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.Equal(t, "POST", msg.Method)
	require.Equal(t, "/submit", msg.RequestURI)
	require.Equal(t, "application/json", msg.ContentType())
	require.EqualValues(t, 13, msg.BodyLength)
	require.Equal(t, "{\"ok\":true}\r\n"[:13], string(msg.Body))
}

func TestParserDecodesChunkedResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	ctx := parser.NewParseContext(bslice.Borrowed(raw))
	p := &Parser{IsRequest: false, Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.Equal(t, 200, msg.StatusCode)
	require.True(t, msg.Chunked)
	require.Equal(t, "hello", string(msg.Body))
}

func TestParserReportsParsingPhaseForIncompleteRequest(t *testing.T) {
	raw := []byte("GET /index.html HTTP/1.1\r\nHost: exam")
	ctx := parser.NewParseContext(bslice.Borrowed(raw))
	p := &Parser{IsRequest: true, Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.NeedMoreData, outcome)
	require.Nil(t, result)
	require.Equal(t, parser.PhaseParsing, ctx.Phase)
	require.Equal(t, 0, ctx.Offset)
}

func TestDistinctCookieNamesDedupsRepeatedSetCookieHeaders(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nSet-Cookie: session=abc; Path=/\r\nSet-Cookie: session=def; Path=/\r\nSet-Cookie: theme=dark\r\nContent-Length: 0\r\n\r\n")
	ctx := parser.NewParseContext(bslice.Borrowed(raw))
	p := &Parser{IsRequest: false, Stats: NewStatistics()}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.Equal(t, []string{"session", "theme"}, msg.DistinctCookieNames())
}

func TestStatisticsRecordTracksMethodsAndStatusClasses(t *testing.T) {
	stats := NewStatistics()
	stats.Record(Message{IsRequest: true, Method: "GET"})
	stats.Record(Message{IsRequest: false, StatusCode: 404})

	snap := stats.Snapshot()
	require.EqualValues(t, 2, snap.TotalMessages)
	require.EqualValues(t, 1, snap.MethodCounts["GET"])
	require.EqualValues(t, 1, snap.StatusClassCount[4])
}
