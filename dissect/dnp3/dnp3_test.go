package dnp3

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

// buildFrame assembles a DNP3 data-link frame with the given payload
// (transport + application bytes) and a correct CRC.
func buildFrame(destination, source uint16, control uint8, payload []byte) []byte {
	hdr := make([]byte, 8)
	hdr[0], hdr[1] = 0x05, 0x64
	hdr[2] = uint8(len(payload) + 5)
	hdr[3] = control
	hdr[4], hdr[5] = byte(destination>>8), byte(destination)
	hdr[6], hdr[7] = byte(source>>8), byte(source)

	crc := calculateCRC(hdr)
	frame := append(hdr, byte(crc>>8), byte(crc))
	return append(frame, payload...)
}

func TestCanParseRequiresStartBytesAndLength(t *testing.T) {
	p := &Parser{}
	require.False(t, p.CanParse(parser.NewParseContext(bslice.Borrowed([]byte{0x00, 0x64, 0, 0, 0, 0, 0, 0, 0, 0}))))

	good := buildFrame(1, 2, DLFuncUserData, nil)
	require.True(t, p.CanParse(parser.NewParseContext(bslice.Borrowed(good))))
}

func TestParserValidatesCRCAndAddresses(t *testing.T) {
	frame := buildFrame(10, 1, DLFuncUserData, nil)
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.True(t, msg.CRCValid)
	require.EqualValues(t, 10, msg.DataLink.Destination)
	require.EqualValues(t, 1, msg.DataLink.Source)
	require.EqualValues(t, DLFuncUserData, msg.DataLink.FunctionCode)
}

func TestParserDetectsCorruptedCRC(t *testing.T) {
	frame := buildFrame(10, 1, DLFuncUserData, nil)
	frame[8] ^= 0xFF // corrupt CRC high byte
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.False(t, msg.CRCValid)
	require.Contains(t, msg.ParseErrors, "datalink CRC validation failed")
}

func TestParserParsesTransportAndApplicationLayers(t *testing.T) {
	// Transport: FIN+FIR set, sequence=5.
	transportControl := uint8(0x80 | 0x40 | 5)
	// Application: FIR+FIN set, sequence=3, function=Read, one object
	// (group=1 variation=2, qualifier range-start-stop 0x00, indices 0-1).
	appControl := uint8(0x80 | 0x40 | 3)
	object := []byte{1, 2, 0x00, 0x00, 0x00, 0x00, 0x01, 0xAA, 0xBB}
	app := append([]byte{appControl, AppFuncRead}, object...)
	payload := append([]byte{transportControl}, app...)

	frame := buildFrame(10, 1, DLFuncUserData, payload)
	ctx := parser.NewParseContext(bslice.Borrowed(frame))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)

	require.True(t, msg.Transport.FIN)
	require.True(t, msg.Transport.FIR)
	require.EqualValues(t, 5, msg.Transport.Sequence)
	require.True(t, msg.CompleteMessage)

	require.Equal(t, uint8(AppFuncRead), msg.Application.FunctionCode)
	require.True(t, msg.Application.FIR)
	require.True(t, msg.Application.FIN)
	require.Len(t, msg.Application.Objects, 1)
	require.Equal(t, uint8(1), msg.Application.Objects[0].Group)
	require.Equal(t, "Binary Input - With Flags", msg.Application.Objects[0].Name())
}

func TestSecurityAnalysisFlagsBroadcastAndCriticalFunctions(t *testing.T) {
	msg := Message{
		DataLink: DataLinkHeader{Destination: 0xFFFF},
		Application: ApplicationHeader{FunctionCode: AppFuncColdRestart},
	}
	a := analyzeSecurity(msg, false)
	require.True(t, a.BroadcastDetected)
	require.True(t, a.CriticalFunctionExecuted)
	require.Contains(t, a.SecurityIssues, "Broadcast abuse detected")
	require.Less(t, a.SecurityScore, 100)
}

func TestSecurityAnalysisAllowsTimeSyncBroadcast(t *testing.T) {
	msg := Message{
		DataLink:    DataLinkHeader{Destination: 0xFFFF},
		Application: ApplicationHeader{FunctionCode: AppFuncRecordCurrentTime},
	}
	a := analyzeSecurity(msg, false)
	require.NotContains(t, a.SecurityIssues, "Broadcast abuse detected")
}

func TestSecurityMonitorDetectsReplayedSequence(t *testing.T) {
	m := NewSecurityMonitor()
	msg := Message{
		DataLink:    DataLinkHeader{Source: 1, Destination: 10},
		Application: ApplicationHeader{Sequence: 2},
	}

	a1, _, _ := m.Observe(msg)
	require.False(t, a1.ReplayAttackPossible)

	a2, _, _ := m.Observe(msg)
	require.True(t, a2.ReplayAttackPossible)
}

func TestStatisticsRecordAccumulatesCounts(t *testing.T) {
	stats := NewStatistics()
	msg := Message{
		DataLink:    DataLinkHeader{FunctionCode: DLFuncUserData, Source: 1, Destination: 10},
		Application: ApplicationHeader{FunctionCode: AppFuncRead},
		CRCValid:    true,
		CompleteMessage: true,
	}
	stats.Record(msg)
	stats.Record(msg)

	snap := stats.Snapshot()
	require.EqualValues(t, 2, snap.TotalFrames)
	require.EqualValues(t, 2, snap.ValidFrames)
	require.EqualValues(t, 2, snap.CompleteMessages)
	require.EqualValues(t, 2, snap.FunctionCodeCounts[DLFuncUserData])
	require.EqualValues(t, 2, snap.SourceAddressCounts[1])
}

func TestStatisticsResetClearsCounters(t *testing.T) {
	stats := NewStatistics()
	stats.Record(Message{DataLink: DataLinkHeader{FunctionCode: DLFuncUserData}})
	stats.Reset()
	snap := stats.Snapshot()
	require.Zero(t, snap.TotalFrames)
	require.Empty(t, snap.FunctionCodeCounts)
}
