package modbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetforge/dissect/bslice"
	"github.com/packetforge/dissect/parser"
)

func buildReadHoldingRegistersRequest(unitID uint8) []byte {
	// MBAP: transaction=1, protocol=0, length=6, unit=unitID
	pkt := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, unitID}
	// PDU: function=0x03, start=0x0010, quantity=0x0002
	pkt = append(pkt, FuncReadHoldingRegisters, 0x00, 0x10, 0x00, 0x02)
	return pkt
}

func buildExceptionResponse(unitID uint8, fc uint8, excCode uint8) []byte {
	pkt := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, unitID}
	pkt = append(pkt, fc|FuncExceptionResponseMask, excCode)
	return pkt
}

func mbap(unitID uint8, pduLen int) []byte {
	length := pduLen + 1 // unit id + pdu
	return []byte{0x00, 0x01, 0x00, 0x00, byte(length >> 8), byte(length), unitID}
}

func TestParserParsesReadHoldingRegistersRequest(t *testing.T) {
	pkt := buildReadHoldingRegistersRequest(7)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{Stats: NewStatistics(), Devices: NewDeviceTable()}

	require.True(t, p.CanParse(ctx))
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)

	msg := result.(Message)
	require.Equal(t, uint8(FuncReadHoldingRegisters), msg.PDU.FunctionCode)
	require.False(t, msg.PDU.IsException)
	require.EqualValues(t, 0x0010, msg.StartAddress)
	require.EqualValues(t, 0x0002, msg.Quantity)
	require.Equal(t, "Read Holding Registers", msg.GetFunctionName())
	require.False(t, msg.IsBroadcast)
}

func TestParserDetectsBroadcastUnitID(t *testing.T) {
	pkt := buildReadHoldingRegistersRequest(0)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	require.True(t, result.(Message).IsBroadcast)
}

func TestParserDetectsExceptionResponse(t *testing.T) {
	pkt := buildExceptionResponse(1, FuncReadCoils, ExcIllegalDataAddr)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}
	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)

	msg := result.(Message)
	require.True(t, msg.PDU.IsException)
	require.Equal(t, uint8(ExcIllegalDataAddr), msg.PDU.ExceptionCode)
	require.Equal(t, uint8(FuncReadCoils), msg.PDU.FunctionCode)
}

func TestParserRejectsNonZeroProtocolID(t *testing.T) {
	pkt := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, FuncReadCoils, 0, 0, 0, 1}
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}
	require.False(t, p.CanParse(ctx))
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.InvalidFormat, outcome)
}

func TestParserRejectsTruncatedPDU(t *testing.T) {
	pkt := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, FuncReadCoils}
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.BufferTooSmall, outcome)
}

func TestParserRejectsShortBuffer(t *testing.T) {
	pkt := []byte{0x00, 0x01, 0x00, 0x00}
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.BufferTooSmall, outcome)
}

func TestParserDecodesWriteSingleCoilRequest(t *testing.T) {
	pdu := []byte{FuncWriteSingleCoil, 0x00, 0x05, 0xFF, 0x00}
	pkt := append(mbap(1, len(pdu)), pdu...)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.EqualValues(t, 5, msg.PDU.StartAddress)
	require.Equal(t, []bool{true}, msg.PDU.CoilValues)
}

func TestParserDecodesReadCoilsResponse(t *testing.T) {
	pdu := []byte{FuncReadCoils, 0x01, 0b00000101}
	pkt := append(mbap(1, len(pdu)), pdu...)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.EqualValues(t, 1, msg.PDU.ByteCount)
	require.Equal(t, []bool{true, false, true, false, false, false, false, false}, msg.PDU.CoilValues)
}

func TestParserDecodesWriteMultipleRegistersRequest(t *testing.T) {
	pdu := []byte{FuncWriteMultipleRegisters, 0x00, 0x10, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x00, 0x0B}
	pkt := append(mbap(1, len(pdu)), pdu...)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.EqualValues(t, 0x10, msg.PDU.StartAddress)
	require.EqualValues(t, 2, msg.PDU.Quantity)
	require.Equal(t, []uint16{0x000A, 0x000B}, msg.PDU.RegisterValues)
}

func TestParserDecodesMaskWriteRegisterRequest(t *testing.T) {
	pdu := []byte{FuncMaskWriteRegister, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25}
	pkt := append(mbap(1, len(pdu)), pdu...)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.EqualValues(t, 4, msg.PDU.StartAddress)
	require.EqualValues(t, 0x00F2, msg.PDU.AndMask)
	require.EqualValues(t, 0x0025, msg.PDU.OrMask)
}

func TestParserFlagsWriteToCriticalAddressRange(t *testing.T) {
	pdu := []byte{FuncWriteSingleRegister, 0x00, 0x05, 0x00, 0x01}
	pkt := append(mbap(1, len(pdu)), pdu...)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.Contains(t, msg.Security.Vulnerabilities, "write to critical address range")
	require.True(t, msg.Security.NoAuthentication)
	require.True(t, msg.Security.NoEncryption)
	require.EqualValues(t, 100-15-15-20-20, msg.Security.SecurityScore)
	require.Equal(t, "CRITICAL", msg.Security.RiskLevel)
}

func TestParserFlagsLargeRangeAccess(t *testing.T) {
	pdu := []byte{FuncReadHoldingRegisters, 0x10, 0x00, 0x00, 0x65}
	pkt := append(mbap(1, len(pdu)), pdu...)
	ctx := parser.NewParseContext(bslice.Borrowed(pkt))
	p := &Parser{}

	result, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)
	msg := result.(Message)
	require.Contains(t, msg.Security.Vulnerabilities, "large range data access detected")
}

func TestSecurityMonitorDetectsConsecutiveAddressScan(t *testing.T) {
	m := NewSecurityMonitor()
	var detected bool
	for addr := uint16(0); addr < 12; addr++ {
		detected = m.observe(1, FuncReadHoldingRegisters, 2000+addr)
	}
	require.True(t, detected)
}

func TestSecurityMonitorDetectsWindowOverflow(t *testing.T) {
	m := NewSecurityMonitor()
	m.MaxRequestsInWindow = 5
	var detected bool
	for i := 0; i < 6; i++ {
		detected = m.observe(1, FuncReadHoldingRegisters, 500)
	}
	require.True(t, detected)
}

func TestAnalyzeSecurityFlagsInvalidFunctionCode(t *testing.T) {
	msg := Message{PDU: PDU{FunctionCode: 0x99}}
	a := analyzeSecurity(msg, false)
	require.Contains(t, a.Vulnerabilities, "invalid function code used")
}

func TestRiskLevelFromScoreBands(t *testing.T) {
	require.Equal(t, "LOW", riskLevelFromScore(100))
	require.Equal(t, "MEDIUM", riskLevelFromScore(70))
	require.Equal(t, "HIGH", riskLevelFromScore(50))
	require.Equal(t, "CRITICAL", riskLevelFromScore(10))
}

func TestIsCriticalAddressRanges(t *testing.T) {
	require.True(t, isCriticalAddress(50))
	require.True(t, isCriticalAddress(1050))
	require.True(t, isCriticalAddress(9050))
	require.False(t, isCriticalAddress(500))
}

func TestStatisticsSnapshotTracksRequestsAndExceptions(t *testing.T) {
	stats := NewStatistics()
	stats.RecordRequest(FuncReadHoldingRegisters, 1)
	stats.RecordRequest(FuncWriteSingleCoil, 1)
	stats.RecordException(ExcIllegalFunction)

	snap := stats.Snapshot()
	require.EqualValues(t, 2, snap.TotalRequests)
	require.EqualValues(t, 1, snap.ReadRequests)
	require.EqualValues(t, 1, snap.WriteRequests)
	require.EqualValues(t, 1, snap.ExceptionResponses)
	require.EqualValues(t, 1, snap.FunctionCodeCounts[FuncReadHoldingRegisters])
	require.EqualValues(t, 2, snap.SlaveMessageCounts[1])
	require.InDelta(t, 0.5, snap.ErrorRate(), 0.001)
}

func TestStatisticsErrorRateZeroRequestsIsZero(t *testing.T) {
	var snap StatisticsSnapshot
	require.Equal(t, float64(0), snap.ErrorRate())
}

func TestDeviceTableObserveAndGet(t *testing.T) {
	table := NewDeviceTable()
	table.Observe(3, true)
	table.Observe(3, false)
	table.Observe(5, true)

	dev3, ok := table.Get(3)
	require.True(t, ok)
	require.EqualValues(t, 2, dev3.MessageCount)
	require.EqualValues(t, 1, dev3.ErrorCount)
	require.InDelta(t, 0.5, dev3.ErrorRate(), 0.001)

	_, ok = table.Get(9)
	require.False(t, ok)

	require.Equal(t, []uint8{3, 5}, table.Slaves())
}

func TestParserEndToEndUpdatesSharedStatsAndDevices(t *testing.T) {
	stats := NewStatistics()
	devices := NewDeviceTable()
	p := &Parser{Stats: stats, Devices: devices}

	ctx := parser.NewParseContext(bslice.Borrowed(buildReadHoldingRegistersRequest(2)))
	_, outcome := p.Parse(ctx)
	require.Equal(t, parser.Success, outcome)

	ctx2 := parser.NewParseContext(bslice.Borrowed(buildExceptionResponse(2, FuncReadCoils, ExcSlaveDeviceBusy)))
	_, outcome = p.Parse(ctx2)
	require.Equal(t, parser.Success, outcome)

	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.TotalRequests)
	require.EqualValues(t, 1, snap.ExceptionResponses)

	dev, ok := devices.Get(2)
	require.True(t, ok)
	require.EqualValues(t, 2, dev.MessageCount)
	require.EqualValues(t, 1, dev.ErrorCount)
}
