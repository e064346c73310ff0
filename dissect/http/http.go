// Package http dissects HTTP/1.x requests and responses: the request or
// status line, headers, and body (Content-Length or chunked
// Transfer-Encoding), per spec.md §4.13.
//
// Grounded on the teacher's gnet/http/parser.go, which drives Go's own
// net/http wire-format reader (http.ReadRequest/http.ReadResponse) over an
// io.Pipe fed from a goroutine. This package keeps that same "reuse
// net/http's wire parser" idea but drops the pipe/goroutine machinery: a
// dissector here receives the whole reassembled byte range in ctx.Slice
// (the reassembly package is responsible for stream framing), so
// http.ReadRequest can run directly against a bufio.Reader wrapping that
// slice. An incomplete request/response (net/http's reader hits io.EOF or
// io.ErrUnexpectedEOF before reading a full message) reports PhaseParsing
// rather than an error, exactly the way parser.Drive expects a streaming
// dissector to signal "need more bytes".
package http

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/packetforge/dissect/parser"
	"github.com/packetforge/dissect/sets"
	"github.com/packetforge/dissect/slices"
)

// ProtocolID is the synthetic registry key; HTTP is identified by port
// (80, 8080, …) or by request-line/status-line sniffing, not a
// lower-layer protocol field.
const ProtocolID = 0x10050

// httpMethods is the set of request methods CanParse accepts as a first
// token (besides an "HTTP/" status line). Whether Parse reads a request
// or a response is chosen by Parser.IsRequest, not by the first token.
var httpMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

// Message is a dissected HTTP/1.x request or response.
type Message struct {
	IsRequest bool

	// Request fields, set when IsRequest.
	Method     string
	RequestURI string

	// Response fields, set when !IsRequest.
	StatusCode int
	Status     string

	Proto      string
	Header     http.Header
	Body       []byte
	Chunked    bool
	BodyLength int64
}

// Parser dissects one HTTP/1.x message per call, per httpParser.
type Parser struct {
	phase  parser.Phase
	errMsg string

	// IsRequest selects which of http.ReadRequest/http.ReadResponse this
	// parser instance uses; the caller picks the direction based on which
	// side of the TCP flow is the client.
	IsRequest bool

	Stats *Statistics
}

var _ parser.Contract = (*Parser)(nil)

func init() {
	parser.Default.Register(ProtocolID, "HTTP", func() parser.Contract {
		return &Parser{IsRequest: true, Stats: NewStatistics()}
	})
}

func (p *Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "HTTP", ID: ProtocolID, Layer: "application"}
}

// CanParse sniffs the first line: a known method token for a request, or
// "HTTP/1.x" for a response.
func (p *Parser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining()
	b := rem.Bytes()
	line := b
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		line = b[:i]
	}
	line = bytes.TrimRight(line, "\r\n")

	if bytes.HasPrefix(line, []byte("HTTP/")) {
		return true
	}
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return httpMethods[string(fields[0])]
}

func (p *Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	data := rem.Bytes()

	br := bufio.NewReader(bytes.NewReader(data))

	var msg Message
	var err error
	if p.IsRequest {
		msg, err = parseRequest(br)
	} else {
		msg, err = parseResponse(br)
	}

	if err != nil {
		if isIncomplete(err) {
			p.phase = parser.PhaseParsing
			ctx.Phase = p.phase
			return nil, parser.NeedMoreData
		}
		return p.fail(ctx, parser.InvalidFormat, "http: "+err.Error())
	}

	consumed := len(data) - br.Buffered()
	ctx.Advance(consumed)
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase

	if p.Stats != nil {
		p.Stats.Record(msg)
	}
	return msg, parser.Success
}

// isIncomplete reports whether err indicates net/http's reader ran out of
// bytes mid-message rather than encountering malformed input.
func isIncomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func parseRequest(br *bufio.Reader) (Message, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return Message{}, err
	}

	body, bodyErr := readBody(req.Body)
	if bodyErr != nil && !isIncomplete(bodyErr) {
		return Message{}, bodyErr
	}

	return Message{
		IsRequest:  true,
		Method:     req.Method,
		RequestURI: req.RequestURI,
		Proto:      req.Proto,
		Header:     req.Header,
		Body:       body,
		Chunked:    len(req.TransferEncoding) > 0,
		BodyLength: req.ContentLength,
	}, nil
}

func parseResponse(br *bufio.Reader) (Message, error) {
	// A nil *http.Request makes net/http assume GET semantics, same
	// caveat the teacher's readSingleHTTPResponse documents for HEAD
	// responses with Content-Length.
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return Message{}, err
	}

	body, bodyErr := readBody(resp.Body)
	if bodyErr != nil && !isIncomplete(bodyErr) {
		return Message{}, bodyErr
	}

	return Message{
		IsRequest:  false,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Proto:      resp.Proto,
		Header:     resp.Header,
		Body:       body,
		Chunked:    len(resp.TransferEncoding) > 0,
		BodyLength: resp.ContentLength,
	}, nil
}

func readBody(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()
	return io.ReadAll(body)
}

// ContentType returns the normalized (without parameters) Content-Type
// header value, e.g. "application/json" for
// "application/json; charset=utf-8".
func (m Message) ContentType() string {
	ct := m.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// ContentLengthHeader parses the Content-Length header directly, for
// callers that want it without relying on net/http's ContentLength field.
func (m Message) ContentLengthHeader() (int64, bool) {
	v := m.Header.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DistinctCookieNames returns the names carried by m's Set-Cookie headers
// with duplicates removed, in sorted order. Grounded on gnet/std.go's
// existingCookies dedup, which maps a response's cookies to their names and
// collapses them into a sets.Set before comparing against new ones.
func (m Message) DistinctCookieNames() []string {
	resp := &http.Response{Header: m.Header}
	names := slices.Map(resp.Cookies(), func(c *http.Cookie) string { return c.Name })
	distinct := sets.NewSet(names...).AsSlice()
	sort.Strings(distinct)
	return distinct
}

func (p *Parser) fail(ctx *parser.ParseContext, outcome parser.ParseOutcome, msg string) (interface{}, parser.ParseOutcome) {
	p.errMsg = msg
	p.phase = parser.PhaseError
	ctx.Phase = p.phase
	if p.Stats != nil {
		p.Stats.RecordMalformed()
	}
	return nil, outcome
}

func (p *Parser) Reset() {
	stats, isRequest := p.Stats, p.IsRequest
	*p = Parser{Stats: stats, IsRequest: isRequest}
}

func (p *Parser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *Parser) ErrorMessage() string { return p.errMsg }
