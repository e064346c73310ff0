package parser

// Drive repeatedly invokes c.Parse(ctx) until it reaches PhaseComplete or
// PhaseError, or stalls (consumes zero bytes without completing, which
// would otherwise loop forever waiting for bytes that can't arrive within a
// single ctx). Grounded on pcap/pcap_stream.go's tcpFlow.reassembled driver,
// which the teacher feeds reassembled TCP stream bytes to in a loop and
// checks a terminal condition against on each call.
//
// final tells Drive whether ctx.Slice represents the whole of the
// available data (true) or a prefix that may grow with more bytes later
// (false, e.g. mid-stream reassembly). When final is true and the parser
// ends PhaseParsing, Drive returns NeedMoreData instead of looping.
func Drive(c Contract, ctx *ParseContext, final bool) (result interface{}, outcome ParseOutcome) {
	for {
		before := ctx.Offset
		result, outcome = c.Parse(ctx)
		switch ctx.Phase {
		case PhaseComplete:
			return result, Success
		case PhaseError:
			return result, outcome
		case PhaseParsing:
			if ctx.Offset == before {
				// No progress and not yet terminal: more bytes are
				// required that this call cannot supply.
				if final {
					return result, NeedMoreData
				}
				return result, outcome
			}
			// Progress was made; loop again in case the parser can
			// immediately continue against the remaining bytes (e.g.
			// multiple TLV options in one call).
			continue
		default:
			// PhaseInitial should not be observed after Parse returns;
			// treat it as "no progress" to avoid spinning.
			if final {
				return result, NeedMoreData
			}
			return result, outcome
		}
	}
}
