// Package parser defines the uniform contract every protocol dissector in
// this module implements, plus the phase state machine and the process-wide
// registry that drives the contract. The teacher has no generic equivalent
// of this package: it hard-codes one parser per protocol
// (gnet.TCPParser/HTTPRequestParser, etc.) driven directly by its pcap
// stream loop. This package generalizes that driver loop into a reusable
// contract and state machine, grounded on the repeated-invoke-until-terminal
// shape of pcap/pcap_stream.go's tcpFlow.reassembled and on the
// protocol-id→factory registry shape of gnet/http/parser_factory.go and
// factory.go's tcpStreamFactory.
package parser

import (
	"github.com/packetforge/dissect/bslice"
)

// Phase is the dissector's progress state, per spec.md §4's
// "Initial→Parsing→Complete/Error" state machine.
type Phase int

const (
	// PhaseInitial is the state before Parse has been called.
	PhaseInitial Phase = iota
	// PhaseParsing means a previous Parse call consumed some input but
	// needs more bytes (or another Parse call) to reach a terminal state.
	PhaseParsing
	// PhaseComplete means dissection finished successfully.
	PhaseComplete
	// PhaseError means dissection failed; ErrorMessage describes why.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseParsing:
		return "parsing"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseOutcome is the sum type every fallible dissector operation surfaces,
// per spec.md §3's "ParseOutcome" data item and §7's error-kind taxonomy.
// None of this module's dissectors raise on malformed input: Parse always
// returns one of these variants instead, and ErrorMessage carries the
// human-readable detail for the non-Success cases.
type ParseOutcome int

const (
	// Success means the dissector reached PhaseComplete with a usable result.
	Success ParseOutcome = iota
	// NeedMoreData means the buffer holds a valid prefix but not enough
	// bytes yet to reach a terminal phase; the caller may retry with more
	// bytes appended (e.g. mid-stream reassembly).
	NeedMoreData
	// InvalidFormat means a wire field violates the protocol's own rules
	// (bad IHL, chunk length < 4, option length < 2, mismatched magic
	// cookie) even though enough bytes were present to check it.
	InvalidFormat
	// UnsupportedVersion means a version field names a revision this
	// dissector does not implement (non-4 IPv4, an unknown SNMP version).
	UnsupportedVersion
	// BufferTooSmall means a hard minimum length was not met (e.g. an
	// IPv4 packet under 20 bytes) — unlike NeedMoreData, no amount of
	// streaming will fix a buffer that claims to be the whole packet.
	BufferTooSmall
	// InternalError means arithmetic overflow, table corruption, or an
	// allocator failure — unexpected conditions a caller should log.
	InternalError
)

func (o ParseOutcome) String() string {
	switch o {
	case Success:
		return "Success"
	case NeedMoreData:
		return "NeedMoreData"
	case InvalidFormat:
		return "InvalidFormat"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case BufferTooSmall:
		return "BufferTooSmall"
	case InternalError:
		return "InternalError"
	default:
		return "unknown"
	}
}

// IsSuccess reports whether o is the Success variant.
func (o ParseOutcome) IsSuccess() bool { return o == Success }

// Metadata carries typed, free-form values threaded between parsers in the
// same ParseContext, e.g. a VLAN tag stashed by the Ethernet dissector for
// the IP dissector to read, or a flow ID stamped by the reassembler.
type Metadata map[string]interface{}

// Get retrieves a value by key, reporting whether it was present.
func (m Metadata) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Set stores a value under key. It does not allocate the map: calling it
// on a nil Metadata panics. ParseContext.SetMetadata allocates lazily.
func (m Metadata) Set(key string, value interface{}) {
	m[key] = value
}

// ParseContext is the mutable cursor threaded through a dissection chain:
// the byte slice under examination, the current read offset, the phase a
// given parser has reached, and an out-of-band metadata bag for
// cross-parser handoff (spec.md §4's "ParseContext" data item).
type ParseContext struct {
	Slice    bslice.Slice
	Offset   int
	Phase    Phase
	Metadata Metadata
}

// NewParseContext starts a fresh context over data at PhaseInitial.
func NewParseContext(data bslice.Slice) *ParseContext {
	return &ParseContext{
		Slice:    data,
		Offset:   0,
		Phase:    PhaseInitial,
		Metadata: Metadata{},
	}
}

// Remaining returns the unconsumed tail of the context's slice, i.e.
// Slice.From(Offset).
func (c *ParseContext) Remaining() bslice.Slice {
	return c.Slice.From(c.Offset)
}

// Advance moves Offset forward by n bytes, clamped to the slice length.
func (c *ParseContext) Advance(n int) {
	c.Offset += n
	if c.Offset > c.Slice.Len() {
		c.Offset = c.Slice.Len()
	}
}

// SetMetadata stores a value under key, lazily allocating the Metadata map.
func (c *ParseContext) SetMetadata(key string, value interface{}) {
	if c.Metadata == nil {
		c.Metadata = Metadata{}
	}
	c.Metadata[key] = value
}

// ProtocolInfo describes a dissector's identity for registry lookups and
// diagnostics, per spec.md §3 "ProtocolFingerprint"-adjacent bookkeeping.
type ProtocolInfo struct {
	// Name is the human-readable protocol name, e.g. "TCP", "Modbus".
	Name string
	// ID is the numeric protocol identifier this dissector registers
	// under (EtherType, IP protocol number, or a synthetic ID for
	// application-layer protocols detected by other means).
	ID uint32
	// Layer is the OSI-ish layer this dissector operates at, for
	// diagnostics.
	Layer string
}

// Contract is the interface every dissector in this module implements.
// Grounded on spec.md §4's "can_parse / parse / reset / progress /
// error_message" uniform parser contract.
type Contract interface {
	// ProtocolInfo reports this dissector's identity.
	ProtocolInfo() ProtocolInfo

	// CanParse performs a cheap, non-mutating check of whether ctx's
	// remaining bytes plausibly begin this protocol (e.g. a magic number
	// or minimum length), without committing to a full parse.
	CanParse(ctx *ParseContext) bool

	// Parse consumes bytes from ctx, advancing ctx.Offset and setting
	// ctx.Phase to PhaseParsing, PhaseComplete, or PhaseError. It may be
	// called more than once against the same ctx if PhaseParsing is
	// returned and more bytes become available (streaming protocols).
	// Parse returns the dissected result as an opaque value plus the
	// ParseOutcome variant describing what happened; concrete dissectors'
	// own exported types satisfy this by construction — the registry and
	// drivers in this package only need the phase and outcome, not the
	// result's shape. Per spec.md §7's propagation policy, Parse never
	// raises: a non-Success outcome is always paired with ErrorMessage
	// describing it (empty for NeedMoreData, which is not an error).
	Parse(ctx *ParseContext) (result interface{}, outcome ParseOutcome)

	// Reset returns the dissector to PhaseInitial so it can be reused
	// against a new ParseContext without reallocating it (spec.md §5's
	// reuse-across-packets discipline for hot-path dissectors).
	Reset()

	// Progress reports how far the dissector has got, for diagnostics.
	// The built-in dissectors report 1 once complete and 0 otherwise; it
	// is not a byte count.
	Progress() int

	// ErrorMessage returns a human-readable description of the last
	// error, or "" if Phase is not PhaseError.
	ErrorMessage() string
}

// Factory constructs a fresh, PhaseInitial Contract instance. Dissectors
// register a Factory under their numeric protocol ID via Register.
type Factory func() Contract
