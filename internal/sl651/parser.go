package sl651

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyird/iot-manager-sub001/internal/codec"
	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
	"github.com/hyird/iot-manager-sub001/internal/logger"
)

// DeviceConfigGetter resolves the element configuration for a device
// registered on linkID under remoteCode. ok is false when no such device
// is configured, in which case the parser skips element decoding and the
// caller must not persist the frame.
type DeviceConfigGetter func(linkID, remoteCode string) (cfg *DeviceConfig, ok bool)

// UplinkRegistrar is notified whenever an uplink frame's source address
// becomes the current route for remoteCode, so downlink commands can be
// routed back to the connection that last spoke for that device.
type UplinkRegistrar func(remoteCode, linkID, peerAddr string)

// Parser decodes complete candidate frames produced by a Framer into
// ParsedFrameResults, reassembling multi-packet transmissions along the
// way. A single Parser is shared across every link.
type Parser struct {
	getDeviceConfig DeviceConfigGetter
	registerUplink  UplinkRegistrar
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*MultiPacketSession

	framesParsed         atomic.Uint64
	crcErrors            atomic.Uint64
	multiPacketCompleted atomic.Uint64
	multiPacketExpired   atomic.Uint64
	parseErrors          atomic.Uint64
}

// NewParser builds a Parser. getDeviceConfig must not be nil; registerUplink
// may be nil if the caller doesn't need uplink source-address routing.
func NewParser(getDeviceConfig DeviceConfigGetter, registerUplink UplinkRegistrar) *Parser {
	return &Parser{
		getDeviceConfig: getDeviceConfig,
		registerUplink:  registerUplink,
		now:             time.Now,
		sessions:        make(map[string]*MultiPacketSession),
	}
}

// SetClock overrides the parser's time source, used by tests to simulate
// multi-packet session expiry without a real 900-second sleep.
func (p *Parser) SetClock(now func() time.Time) {
	p.now = now
}

// Stats returns a snapshot of the atomic hot-path counters.
func (p *Parser) Stats() Stats {
	return Stats{
		FramesParsed:         p.framesParsed.Load(),
		CRCErrors:            p.crcErrors.Load(),
		MultiPacketCompleted: p.multiPacketCompleted.Load(),
		MultiPacketExpired:   p.multiPacketExpired.Load(),
		ParseErrors:          p.parseErrors.Load(),
	}
}

// decodedFrame is the intermediate, session-agnostic decode of one
// candidate frame: header fields, multi-packet indicator, CRC check, and
// the still-undecoded effective body bytes.
type decodedFrame struct {
	frame         Sl651Frame
	effectiveBody []byte
	rawFrames     [][]byte // one element per wire packet; >1 only for a completed multi-packet merge
}

// decodeFrame performs steps 1, 3, 4, 6, 7 of frame decoding: header,
// STX/multi-packet detection, body slice, ETX, and CRC verification. It
// never fails on a bad CRC; CRC mismatches are reported via CRCValid.
func decodeFrame(raw []byte) (*decodedFrame, error) {
	if len(raw) < HeaderLen+4 {
		return nil, fmt.Errorf("sl651: frame too short: %d bytes", len(raw))
	}

	lenField := codec.ReadUint16BE(raw, 11)
	direction := Up
	if lenField&0xF000 != 0 {
		direction = Down
	}
	bodyLen := int(lenField & 0x0FFF)

	stx := raw[13]
	expectedLen := HeaderLen + 1 + bodyLen + 1 + 2
	if len(raw) != expectedLen {
		return nil, fmt.Errorf("sl651: frame length mismatch: got %d want %d", len(raw), expectedLen)
	}

	body := raw[14 : 14+bodyLen]
	etx := raw[14+bodyLen]
	crcReceived := codec.ReadUint16BE(raw, 14+bodyLen+1)
	crcComputed := codec.CRC16Modbus(raw[:14+bodyLen+1])

	f := Sl651Frame{
		Direction:      direction,
		CenterCode:     codec.ToHex(raw[2:3]),
		RemoteCode:     codec.ReadBCD(raw, 3, 5),
		Password:       codec.ReadBCD(raw, 8, 2),
		FuncCode:       codec.ToHex(raw[10:11]),
		CRCReceived:    crcReceived,
		CRCComputed:    crcComputed,
		CRCValid:       crcReceived == crcComputed,
		Raw:            append([]byte(nil), raw...),
		ReplyRequested: etx == ETXReplyNeeded,
	}

	effectiveBody := body
	if stx == STXMulti {
		if len(body) < 3 {
			return nil, fmt.Errorf("sl651: multi-packet body too short: %d bytes", len(body))
		}
		packed := uint32(body[0])<<16 | uint32(body[1])<<8 | uint32(body[2])
		f.IsMultiPacket = true
		f.TotalPackets = int((packed >> 12) & 0xFFF)
		f.SeqPacket = int(packed & 0xFFF)
		f.IsLastPacket = f.SeqPacket == f.TotalPackets
		effectiveBody = body[3:]
	}

	if direction == Up && len(effectiveBody) >= 2 {
		f.SerialNumber = codec.ToHex(effectiveBody[0:2])
	}

	f.Body = effectiveBody
	return &decodedFrame{frame: f, effectiveBody: effectiveBody, rawFrames: [][]byte{f.Raw}}, nil
}

// ParseFrame decodes one complete candidate frame (as produced by
// Framer.Feed) for the device connected on linkID at peerAddr. It returns
// nil, nil when the frame is a still-incomplete fragment of a multi-packet
// transmission, and nil, err when no device configuration exists for the
// frame's remoteCode (the frame is logged and dropped, not persisted).
// A panic while decoding is recovered, counted as a parse error, logged
// with its stack trace, and returned as a ParseError.
func (p *Parser) ParseFrame(linkID, peerAddr string, raw []byte) (result *ParsedFrameResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.parseErrors.Add(1)
			logger.Error("sl651 parse panicked", logger.LinkID(linkID), "recover", r, "stack", string(debug.Stack()))
			result, err = nil, &gwerrors.ParseError{Stage: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	df, err := decodeFrame(raw)
	if err != nil {
		p.parseErrors.Add(1)
		return nil, &gwerrors.ParseError{Stage: "decode", Err: err}
	}
	p.framesParsed.Add(1)
	if !df.frame.CRCValid {
		p.crcErrors.Add(1)
		logger.Warn("sl651 crc mismatch", logger.LinkID(linkID), logger.RemoteCode(df.frame.RemoteCode),
			logger.FuncCode(df.frame.FuncCode))
	}

	if df.frame.Direction == Up && peerAddr != "" && p.registerUplink != nil {
		p.registerUplink(df.frame.RemoteCode, linkID, peerAddr)
	}

	if df.frame.IsMultiPacket {
		merged, ok := p.handleMultiPacket(linkID, df)
		if !ok {
			return nil, nil
		}
		return p.buildResult(linkID, merged)
	}

	return p.buildResult(linkID, df)
}

// handleMultiPacket folds one fragment into its session and returns the
// merged decodedFrame once every sequence number 1..TotalPk has arrived.
func (p *Parser) handleMultiPacket(linkID string, df *decodedFrame) (*decodedFrame, bool) {
	key := sessionKey(df.frame.RemoteCode, df.frame.FuncCode)
	nowMs := p.now().UnixMilli()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepExpiredLocked(nowMs)

	sess, exists := p.sessions[key]
	if !exists {
		if len(p.sessions) >= MaxSessionCount {
			logger.Warn("sl651 multi-packet session table full, dropping fragment",
				logger.LinkID(linkID), logger.FuncCode(df.frame.FuncCode))
			return nil, false
		}
		sess = &MultiPacketSession{
			TotalPk:     df.frame.TotalPackets,
			Received:    make(map[int]bool),
			Bodies:      make(map[int][]byte),
			RawFrames:   make(map[int][]byte),
			StartedAtMs: nowMs,
		}
		p.sessions[key] = sess
	} else if sess.TotalPk != df.frame.TotalPackets {
		// A new totalPk for an existing key is a new transmission.
		sess = &MultiPacketSession{
			TotalPk:     df.frame.TotalPackets,
			Received:    make(map[int]bool),
			Bodies:      make(map[int][]byte),
			RawFrames:   make(map[int][]byte),
			StartedAtMs: nowMs,
		}
		p.sessions[key] = sess
	}

	sess.Received[df.frame.SeqPacket] = true
	sess.Bodies[df.frame.SeqPacket] = df.effectiveBody
	sess.RawFrames[df.frame.SeqPacket] = df.frame.Raw

	if len(sess.Received) < sess.TotalPk {
		return nil, false
	}

	delete(p.sessions, key)
	p.multiPacketCompleted.Add(1)

	var mergedBody bytes.Buffer
	rawFrames := make([][]byte, 0, sess.TotalPk)
	for seq := 1; seq <= sess.TotalPk; seq++ {
		mergedBody.Write(sess.Bodies[seq])
		rawFrames = append(rawFrames, sess.RawFrames[seq])
	}

	merged := df.frame
	merged.Body = mergedBody.Bytes()
	merged.Raw = bytes.Join(rawFrames, nil)
	if merged.Direction == Up && mergedBody.Len() >= 2 {
		merged.SerialNumber = codec.ToHex(mergedBody.Bytes()[0:2])
	}
	return &decodedFrame{frame: merged, effectiveBody: mergedBody.Bytes(), rawFrames: rawFrames}, true
}

// sweepExpiredLocked drops sessions older than SessionTimeoutMs. Called
// lazily on fragment arrival, guarding the session table's capacity cap.
// Caller must hold p.mu.
func (p *Parser) sweepExpiredLocked(nowMs int64) {
	for key, sess := range p.sessions {
		if nowMs-sess.StartedAtMs > SessionTimeoutMs {
			delete(p.sessions, key)
			p.multiPacketExpired.Add(1)
			logger.Debug("sl651 multi-packet session expired", "session_key", key)
		}
	}
}

// buildResult resolves the device configuration for df's remoteCode and
// produces the final ParsedFrameResult, decoding elements against the
// configured list.
func (p *Parser) buildResult(linkID string, df *decodedFrame) (*ParsedFrameResult, error) {
	cfg, ok := p.getDeviceConfig(linkID, df.frame.RemoteCode)
	if !ok {
		logger.Warn("sl651 no device configuration", logger.LinkID(linkID), logger.RemoteCode(df.frame.RemoteCode))
		return nil, &gwerrors.NotFound{Kind: "device", ID: df.frame.RemoteCode}
	}

	body := df.effectiveBody
	var reportTime string
	cursor := 0
	if len(body) >= 8 {
		reportTime = codec.ParseBCDTime(codec.ReadBCD(body, 2, 6))
		cursor = 8
	} else if len(body) > 0 {
		cursor = len(body)
	}
	if cfg.Timezone != "" && reportTime != "" {
		reportTime = reportTime + cfg.Timezone
	}

	defs := cfg.ElementsFor(df.frame.FuncCode)
	data, unparsed := parseElements(body, cursor, defs, df.frame.FuncCode)

	rawHex := make([]string, 0, len(df.rawFrames))
	for _, chunk := range df.rawFrames {
		rawHex = append(rawHex, codec.ToHex(chunk))
	}

	result := &ParsedFrameResult{
		DeviceID:   cfg.DeviceID,
		LinkID:     linkID,
		Protocol:   ProtocolSL651,
		FuncCode:   df.frame.FuncCode,
		ReportTime: reportTime,
		Body: ParsedBody{
			FuncCode:  df.frame.FuncCode,
			FuncName:  cfg.FuncName(df.frame.FuncCode),
			Direction: df.frame.Direction.String(),
			Raw:       rawHex,
			Frame: ParsedFrameMeta{
				CenterCode:   df.frame.CenterCode,
				RemoteCode:   df.frame.RemoteCode,
				Password:     df.frame.Password,
				CRCValid:     df.frame.CRCValid,
				SerialNumber: df.frame.SerialNumber,
			},
			Data:     data,
			Unparsed: unparsed,
		},
	}

	if df.frame.Direction == Up {
		result.CommandResponse = &CommandResponse{
			FuncCode: df.frame.FuncCode,
			Success:  df.frame.FuncCode != FuncAckErr,
		}
	}

	return result, nil
}

// parseElements walks defs in order starting at startOffset, locating
// each element's guideHex bytes via a forward scan from the current
// cursor. Elements whose guideHex is absent are skipped silently (the
// device omitted an optional field). Returns the decoded map keyed by
// "funcCode_guideHex" and any unparsed trailing bytes as uppercase hex.
func parseElements(body []byte, startOffset int, defs []ElementDef, funcCode string) (map[string]ParsedElement, string) {
	data := make(map[string]ParsedElement, len(defs))
	cursor := startOffset

	for _, def := range defs {
		guideBytes, err := codec.FromHex(def.GuideHex)
		if err != nil || len(guideBytes) == 0 {
			continue
		}
		if cursor >= len(body) {
			continue
		}
		idx := bytes.Index(body[cursor:], guideBytes)
		if idx < 0 {
			continue
		}
		valueStart := cursor + idx + len(guideBytes)

		var length int
		if def.Length == 0 {
			length = len(body) - valueStart
		} else {
			length = def.Length
		}
		if length < 0 || valueStart+length > len(body) {
			continue
		}

		valueBytes := body[valueStart : valueStart+length]
		key := fmt.Sprintf("%s_%s", funcCode, def.GuideHex)
		data[key] = ParsedElement{
			Key:   key,
			Value: decodeElementValue(valueBytes, def),
			Name:  def.Name,
			Unit:  def.Unit,
			Type:  def.Encode.String(),
		}

		cursor = valueStart + length
		if def.Length == 0 {
			break
		}
	}

	var unparsed string
	if cursor < len(body) {
		unparsed = codec.ToHex(body[cursor:])
	}
	return data, unparsed
}

func decodeElementValue(valueBytes []byte, def ElementDef) string {
	switch def.Encode {
	case EncodeBCD:
		digits := codec.ReadBCD(valueBytes, 0, len(valueBytes))
		val := codec.ParseBCDValue(digits, def.Digits)
		if def.Digits == 0 {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%.*f", def.Digits, val)
	case EncodeTimeYYMMDDHHMMSS:
		digits := codec.ReadBCD(valueBytes, 0, len(valueBytes))
		return codec.ParseBCDTime(digits)
	case EncodeJPEG:
		if len(valueBytes) < 2 || valueBytes[0] != 0xFF || valueBytes[1] != 0xD8 {
			return "INVALID_JPEG"
		}
		return "data:image/jpeg;base64," + codec.ToBase64(valueBytes)
	case EncodeDict:
		return codec.ToHex(valueBytes)
	case EncodeHex:
		return codec.ToHex(valueBytes)
	default:
		return codec.ToHex(valueBytes)
	}
}
