// Package grpc dissects gRPC's wire format: HTTP/2 framing, a minimal
// HPACK literal decoder for pseudo-headers, and length-prefixed gRPC
// messages, per spec.md §4.13.
//
// Grounded on
// original_source/include/parsers/application/grpc_parser.hpp and its
// grpc_parser.cpp: the HTTP/2 frame header layout, the "literal header
// field with incremental indexing" special case simple_hpack_decode
// handles (and nothing else — this is explicitly a simplified HPACK
// decoder in the original, not a full implementation with a dynamic
// table or Huffman coding), and the is_grpc_traffic/frame-type dispatch
// in parse_http2_frame.
package grpc

import (
	"encoding/binary"

	"github.com/packetforge/dissect/parser"
)

// ProtocolID is the synthetic registry key; gRPC runs over HTTP/2, itself
// usually on TLS port 443 or a service-specific port, not a fixed
// lower-layer protocol field.
const ProtocolID = 0x10060

const (
	http2FrameHeaderSize = 9
	maxFrameSize         = 16384
	grpcMessageHeaderSize = 5
)

// http2Preface is the fixed connection preface every HTTP/2 client sends
// before its first real frame, per HTTP2_PREFACE.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// FrameType is an HTTP/2 frame type, per HTTP2FrameType.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return "UNKNOWN"
	}
}

// Compression is a gRPC message's compression scheme, per GRPCCompression,
// detected from magic bytes rather than a declared header.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionDeflate
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "GZIP"
	case CompressionDeflate:
		return "DEFLATE"
	case CompressionSnappy:
		return "SNAPPY"
	case CompressionLZ4:
		return "LZ4"
	default:
		return "NONE"
	}
}

const (
	flagEndStream  = 0x01
	flagEndHeaders = 0x04
	flagPadded     = 0x08
	flagPriority   = 0x20
)

// FrameHeader is the fixed 9-byte HTTP/2 frame header, per HTTP2FrameHeader.
type FrameHeader struct {
	Length   uint32 // 24-bit
	Type     FrameType
	Flags    uint8
	StreamID uint32 // 31-bit
}

// MessageHeader is the 5-byte gRPC length-prefixed message header, per
// GRPCMessageHeader.
type MessageHeader struct {
	Compressed  bool
	Length      uint32
	Compression Compression
}

// Headers is the subset of HTTP/2 :pseudo-headers and gRPC-specific
// headers this decoder extracts, per GRPCHeaders.
type Headers struct {
	Method          string
	Path            string
	Authority       string
	ContentType     string
	UserAgent       string
	GRPCEncoding    string
	GRPCAcceptEncoding string
	GRPCTimeout     string
	GRPCStatus      string
	GRPCMessage     string
	CustomHeaders   map[string]string
}

// Call is the service/method identity extracted from a HEADERS frame's
// :path pseudo-header, per GRPCCall.
type Call struct {
	Service  string
	Method   string
	StreamID uint32
}

// Message is one dissected HTTP/2 frame, with gRPC-specific fields
// populated when the frame type and content warrant it, per GRPCMessage.
type Message struct {
	Frame   FrameHeader
	IsValid bool

	// Populated for HEADERS frames.
	RequestHeaders Headers
	Call           Call
	IsRequest      bool

	// Populated for DATA frames carrying a length-prefixed gRPC message.
	MessageHeader MessageHeader
	Payload       []byte
	IsProtobuf    bool

	IsEndStream  bool
	IsEndHeaders bool
}

// Parser dissects one HTTP/2 frame (and, for DATA frames, the
// length-prefixed gRPC message inside it) per call, per GRPCParser.
type Parser struct {
	phase  parser.Phase
	errMsg string

	Stats *Statistics
}

var _ parser.Contract = (*Parser)(nil)

func init() {
	parser.Default.Register(ProtocolID, "gRPC", func() parser.Contract {
		return &Parser{Stats: NewStatistics()}
	})
}

func (p *Parser) ProtocolInfo() parser.ProtocolInfo {
	return parser.ProtocolInfo{Name: "gRPC", ID: ProtocolID, Layer: "application"}
}

// IsHTTP2Preface reports whether data begins with the HTTP/2 connection
// preface, per is_http2_preface.
func IsHTTP2Preface(data []byte) bool {
	return len(data) >= len(http2Preface) && string(data[:len(http2Preface)]) == http2Preface
}

// isGRPCTraffic validates the frame header the way is_grpc_traffic does:
// plausible length, a known frame type, and stream ID 0 reserved for
// connection-level frame types.
func isGRPCTraffic(data []byte) bool {
	if len(data) < http2FrameHeaderSize {
		return false
	}
	length := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	if length > maxFrameSize {
		return false
	}
	frameType := FrameType(data[3])
	if frameType > FrameContinuation {
		return false
	}
	streamID := binary.BigEndian.Uint32(data[5:9]) & 0x7FFFFFFF
	if streamID == 0 {
		switch frameType {
		case FrameSettings, FramePing, FrameGoAway, FrameWindowUpdate:
		default:
			return false
		}
	}
	return true
}

func (p *Parser) CanParse(ctx *parser.ParseContext) bool {
	rem := ctx.Remaining()
	data := rem.Bytes()
	if len(data) < http2FrameHeaderSize {
		return false
	}
	return IsHTTP2Preface(data) || isGRPCTraffic(data)
}

func (p *Parser) Parse(ctx *parser.ParseContext) (interface{}, parser.ParseOutcome) {
	rem := ctx.Remaining()
	data := rem.Bytes()

	if len(data) < http2FrameHeaderSize {
		p.phase = parser.PhaseParsing
		ctx.Phase = p.phase
		return nil, parser.NeedMoreData
	}

	if IsHTTP2Preface(data) {
		ctx.Advance(len(http2Preface))
		p.phase = parser.PhaseComplete
		ctx.Phase = p.phase
		return Message{IsValid: true}, parser.Success
	}

	if !isGRPCTraffic(data) {
		return p.fail(ctx, parser.InvalidFormat, "grpc: not a valid HTTP/2 frame")
	}

	hdr := parseFrameHeader(data)
	total := http2FrameHeaderSize + int(hdr.Length)
	if total > len(data) {
		p.phase = parser.PhaseParsing
		ctx.Phase = p.phase
		return nil, parser.NeedMoreData
	}

	msg := Message{Frame: hdr}
	payload := data[http2FrameHeaderSize:total]

	switch hdr.Type {
	case FrameHeaders:
		parseHeadersFrame(payload, &msg)
	case FrameData:
		parseDataFrame(payload, &msg)
	case FrameSettings, FramePing, FrameWindowUpdate, FrameRSTStream, FrameGoAway:
		msg.IsValid = true
	default:
		// Other frame types are skipped, matching
		// parse_http2_frame's default case.
	}

	if p.Stats != nil {
		p.Stats.Record(msg)
	}

	ctx.Advance(total)
	p.phase = parser.PhaseComplete
	ctx.Phase = p.phase
	return msg, parser.Success
}

func parseFrameHeader(data []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2]),
		Type:     FrameType(data[3]),
		Flags:    data[4],
		StreamID: binary.BigEndian.Uint32(data[5:9]) & 0x7FFFFFFF,
	}
}

// parseHeadersFrame mirrors parse_headers_frame: skip the optional
// priority prefix and padding, HPACK-decode what remains, extract the
// service/method from :path, and mark the message valid when its
// content-type names the gRPC media type.
func parseHeadersFrame(buf []byte, msg *Message) {
	if len(buf) == 0 {
		return
	}
	offset := 0
	end := len(buf)

	if msg.Frame.Flags&flagPriority != 0 {
		if len(buf) < 5 {
			return
		}
		offset = 5
	}
	if msg.Frame.Flags&flagPadded != 0 {
		if offset >= len(buf) {
			return
		}
		padLength := int(buf[offset])
		offset++
		if offset+padLength > len(buf) {
			return
		}
		end = len(buf) - padLength
	}

	headerBlock := buf[offset:end]
	headers := simpleHPACKDecode(headerBlock)
	msg.RequestHeaders = headers

	if headers.Path != "" {
		service, method, ok := ExtractServiceMethod(headers.Path)
		if ok {
			msg.Call = Call{Service: service, Method: method, StreamID: msg.Frame.StreamID}
		}
	}

	if containsGRPCContentType(headers.ContentType) {
		msg.IsValid = true
		msg.IsRequest = true
	}

	msg.IsEndStream = msg.Frame.Flags&flagEndStream != 0
	msg.IsEndHeaders = msg.Frame.Flags&flagEndHeaders != 0
}

const grpcContentType = "application/grpc"

func containsGRPCContentType(contentType string) bool {
	if len(contentType) < len(grpcContentType) {
		return false
	}
	for i := 0; i+len(grpcContentType) <= len(contentType); i++ {
		if contentType[i:i+len(grpcContentType)] == grpcContentType {
			return true
		}
	}
	return false
}

// parseDataFrame mirrors parse_data_frame: skip padding, then try to
// parse a length-prefixed gRPC message from what remains.
func parseDataFrame(buf []byte, msg *Message) {
	if len(buf) == 0 {
		return
	}
	offset := 0
	end := len(buf)
	if msg.Frame.Flags&flagPadded != 0 {
		if len(buf) < 1 {
			return
		}
		padLength := int(buf[offset])
		offset++
		if offset+padLength > len(buf) {
			return
		}
		end = len(buf) - padLength
	}

	data := buf[offset:end]
	if len(data) > 0 {
		parseGRPCMessage(data, msg)
		if msg.IsValid {
			if msg.Frame.StreamID%2 == 1 {
				msg.IsRequest = true
			} else {
				msg.IsRequest = false
			}
		}
	}

	msg.IsEndStream = msg.Frame.Flags&flagEndStream != 0
}

// parseGRPCMessage mirrors parse_grpc_message: a 5-byte header
// (compressed flag + big-endian length) followed by the message payload.
func parseGRPCMessage(buf []byte, msg *Message) {
	if len(buf) < grpcMessageHeaderSize {
		return
	}
	hdr := parseMessageHeader(buf)
	if len(buf) < grpcMessageHeaderSize+int(hdr.Length) {
		return
	}
	msg.MessageHeader = hdr
	if hdr.Length == 0 {
		return
	}
	payload := append([]byte(nil), buf[grpcMessageHeaderSize:grpcMessageHeaderSize+int(hdr.Length)]...)
	msg.Payload = payload
	if IsProtobufMessage(payload) {
		msg.IsValid = true
	}
}

// parseMessageHeader mirrors parse_message_header: byte 0's low bit is
// the compressed flag, bytes 1-4 are the big-endian message length; when
// compressed, the first 16 bytes of the payload are sampled for a known
// compression magic number.
func parseMessageHeader(buf []byte) MessageHeader {
	hdr := MessageHeader{
		Compressed: buf[0]&0x01 != 0,
		Length:     binary.BigEndian.Uint32(buf[1:5]),
	}
	if hdr.Compressed && len(buf) > 5 {
		end := len(buf)
		if end > 5+16 {
			end = 5 + 16
		}
		hdr.Compression = DetectCompression(buf[5:end])
	}
	return hdr
}

// DetectCompression identifies a compression scheme from its magic bytes,
// per detect_compression.
func DetectCompression(data []byte) Compression {
	if len(data) < 3 {
		return CompressionNone
	}
	if data[0] == 0x1F && data[1] == 0x8B {
		return CompressionGzip
	}
	if data[0]&0x0F == 0x08 && data[0]&0xF0 <= 0x70 {
		return CompressionDeflate
	}
	if len(data) >= 6 && data[0] == 0xFF && data[1] == 0x06 && data[2] == 0x00 &&
		data[3] == 0x00 && data[4] == 0x73 && data[5] == 0x4E {
		return CompressionSnappy
	}
	if len(data) >= 4 && data[0] == 0x04 && data[1] == 0x22 && data[2] == 0x4D && data[3] == 0x18 {
		return CompressionLZ4
	}
	return CompressionNone
}

// IsProtobufMessage applies the same lightweight wire-type heuristic as
// is_protobuf_message: the first byte is a valid protobuf field tag
// (nonzero field number, wire type 0-5).
func IsProtobufMessage(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	first := data[0]
	fieldNumber := first >> 3
	wireType := first & 0x07
	return fieldNumber != 0 && wireType <= 5
}

// ExtractServiceMethod splits a gRPC request path of the form
// "/package.Service/Method" into its service and method names, per
// extract_service_method.
func ExtractServiceMethod(path string) (service, method string, ok bool) {
	if path == "" || path[0] != '/' {
		return "", "", false
	}
	slash := -1
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return "", "", false
	}
	servicePath := path[1:slash]
	method = path[slash+1:]

	dot := -1
	for i := len(servicePath) - 1; i >= 0; i-- {
		if servicePath[i] == '.' {
			dot = i
			break
		}
	}
	if dot >= 0 {
		service = servicePath[dot+1:]
	} else {
		service = servicePath
	}
	return service, method, service != "" && method != ""
}

// simpleHPACKDecode is a deliberately minimal HPACK decoder: it only
// understands the "literal header field with incremental indexing"
// representation (top two bits 01), the same simplification
// simple_hpack_decode makes — no dynamic table, no Huffman coding, no
// indexed header field representation.
func simpleHPACKDecode(data []byte) Headers {
	headers := Headers{CustomHeaders: make(map[string]string)}
	offset := 0
	for offset < len(data) {
		b := data[offset]
		offset++
		if b&0x40 != 0x40 {
			// Any other representation is unsupported by this
			// simplified decoder.
			break
		}

		if offset >= len(data) {
			break
		}
		nameLen := int(data[offset] & 0x7F)
		offset++
		if offset+nameLen > len(data) {
			break
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(data) {
			break
		}
		valueLen := int(data[offset] & 0x7F)
		offset++
		if offset+valueLen > len(data) {
			break
		}
		value := string(data[offset : offset+valueLen])
		offset += valueLen

		if len(name) > 0 && name[0] == ':' {
			parsePseudoHeader(name, value, &headers)
			continue
		}
		switch lowerASCII(name) {
		case "content-type":
			headers.ContentType = value
		case "user-agent":
			headers.UserAgent = value
		case "grpc-encoding":
			headers.GRPCEncoding = value
		case "grpc-accept-encoding":
			headers.GRPCAcceptEncoding = value
		case "grpc-timeout":
			headers.GRPCTimeout = value
		case "grpc-status":
			headers.GRPCStatus = value
		case "grpc-message":
			headers.GRPCMessage = value
		default:
			headers.CustomHeaders[name] = value
		}
	}
	return headers
}

func parsePseudoHeader(name, value string, headers *Headers) {
	switch name {
	case ":method":
		headers.Method = value
	case ":path":
		headers.Path = value
	case ":authority":
		headers.Authority = value
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
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
	stats := p.Stats
	*p = Parser{Stats: stats}
}

func (p *Parser) Progress() int {
	if p.phase == parser.PhaseComplete {
		return 1
	}
	return 0
}

func (p *Parser) ErrorMessage() string { return p.errMsg }
