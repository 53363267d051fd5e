package sl651

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/hyird/iot-manager-sub001/internal/codec"
	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
)

// Builder constructs downlink command frames and acknowledgement frames.
// It is stateless except for the monotonically increasing serial counter
// shared across every downlink command it builds.
type Builder struct {
	serial atomic.Uint32
}

// NewBuilder returns a Builder whose serial counter starts at zero.
func NewBuilder() *Builder {
	return &Builder{}
}

// nextSerial returns the next serial number formatted as a decimal
// string. The atomic.Uint32 counter is masked to 16 bits here, so the
// serial wraps from 65535 to 0 like a 2-byte counter.
func (b *Builder) nextSerial() string {
	n := b.serial.Add(1) & 0xFFFF
	return fmt.Sprintf("%d", n)
}

// BuildDownFrame constructs a downlink command frame: preamble, remoteCode
// (ahead of centerCode; command frames are the one downlink shape with the
// device address in front), password, funcCode, length field, STX, serial,
// report time, elements, ETX, CRC.
func (b *Builder) BuildDownFrame(p BuildDownFrameParams) ([]byte, error) {
	var body []byte

	serial := p.Serial
	if serial == "" {
		serial = b.nextSerial()
	}
	serialBytes, err := codec.EncodeSerialHex(serial)
	if err != nil {
		return nil, &gwerrors.ValidationError{Field: "serial", Message: err.Error()}
	}
	body = append(body, serialBytes...)

	reportTime := p.ReportTime
	if reportTime == nil {
		reportTime = codec.EncodeReportTime(time.Now())
	}
	body = append(body, reportTime...)

	for _, ev := range p.Elements {
		guideBytes, err := codec.FromHex(ev.Def.GuideHex)
		if err != nil {
			return nil, &gwerrors.ValidationError{Field: "guideHex", Message: err.Error()}
		}
		valueBytes, err := encodeElementValue(ev)
		if err != nil {
			return nil, err
		}
		body = append(body, guideBytes...)
		body = append(body, valueBytes...)
	}

	return assembleFrame(p.CenterCode, p.RemoteCode, p.Password, p.FuncCode, body, STXSingle, ETXReplyNeeded, true)
}

// BuildAckFrame constructs the downlink ack reply to a received uplink
// frame: echoed serial (or 0x0000 when the source frame carried none) and
// a fresh 6-byte BCD timestamp, no elements.
func (b *Builder) BuildAckFrame(centerCode, remoteCode, password, funcCode, originSerial string, now time.Time) ([]byte, error) {
	var serialBytes []byte
	if originSerial == "" {
		serialBytes = []byte{0x00, 0x00}
	} else {
		var err error
		serialBytes, err = codec.FromHex(originSerial)
		if err != nil || len(serialBytes) != 2 {
			serialBytes = []byte{0x00, 0x00}
		}
	}

	body := append(append([]byte{}, serialBytes...), codec.EncodeReportTime(now)...)
	return assembleFrame(centerCode, remoteCode, password, funcCode, body, STXSingle, ETXNoReply, false)
}

// BuildLinkKeepAck constructs the heartbeat ack: funcCode 0x2F, empty
// body, no-reply ETX.
func (b *Builder) BuildLinkKeepAck(centerCode, remoteCode, password string) ([]byte, error) {
	return assembleFrame(centerCode, remoteCode, password, FuncLinkKeep, nil, STXSingle, ETXNoReply, false)
}

// assembleFrame lays down the common frame shell shared by every downlink
// frame kind and appends the trailing CRC-16/Modbus. remoteFirst selects
// the address order: command frames put remoteCode ahead of centerCode,
// while ack and link-keep frames keep centerCode at offset 2 and
// remoteCode at 3..7, the same layout the parser reads at fixed offsets.
func assembleFrame(centerCode, remoteCode, password, funcCode string, body []byte, stx, etx byte, remoteFirst bool) ([]byte, error) {
	remoteBytes := codec.EncodeBCDAddress(remoteCode, 5)
	centerBytes, err := codec.FromHex(codec.PadHexLeft(centerCode, 1))
	if err != nil || len(centerBytes) != 1 {
		return nil, &gwerrors.ValidationError{Field: "centerCode", Message: "must be 1 hex byte"}
	}
	passwordBytes := codec.EncodeBCDAddress(password, 2)
	funcBytes, err := codec.FromHex(codec.PadHexLeft(funcCode, 1))
	if err != nil || len(funcBytes) != 1 {
		return nil, &gwerrors.ValidationError{Field: "funcCode", Message: "must be 1 hex byte"}
	}

	if len(body) > 0x0FFF {
		return nil, &gwerrors.ValidationError{Field: "body", Message: "exceeds 12-bit length field"}
	}
	lenField := uint16(0x8000) | uint16(len(body)&0x0FFF)

	frame := make([]byte, 0, HeaderLen+1+len(body)+1+2)
	frame = append(frame, Preamble1, Preamble2)
	if remoteFirst {
		frame = append(frame, remoteBytes...)
		frame = append(frame, centerBytes...)
	} else {
		frame = append(frame, centerBytes...)
		frame = append(frame, remoteBytes...)
	}
	frame = append(frame, passwordBytes...)
	frame = append(frame, funcBytes...)
	frame = codec.WriteUint16BE(frame, lenField)
	frame = append(frame, stx)
	frame = append(frame, body...)
	frame = append(frame, etx)

	crc := codec.CRC16Modbus(frame)
	frame = codec.WriteUint16BE(frame, crc)
	return frame, nil
}

// encodeElementValue encodes ev.Raw according to ev.Def.Encode, rejecting
// malformed input with a ValidationError rather than silently truncating.
func encodeElementValue(ev ElementValue) ([]byte, error) {
	switch ev.Def.Encode {
	case EncodeBCD:
		value, ok := toFloat(ev.Raw)
		if !ok {
			return nil, &gwerrors.ValidationError{Field: ev.Def.ID, Message: "BCD element requires a finite numeric value"}
		}
		return codec.EncodeBCDValue(value, ev.Def.Length, ev.Def.Digits), nil
	case EncodeHex, EncodeDict:
		s, ok := ev.Raw.(string)
		if !ok {
			return nil, &gwerrors.ValidationError{Field: ev.Def.ID, Message: "HEX element requires a hex string value"}
		}
		padded := codec.PadHexLeft(s, ev.Def.Length)
		b, err := codec.FromHex(padded)
		if err != nil {
			return nil, &gwerrors.ValidationError{Field: ev.Def.ID, Message: "value is not valid hex"}
		}
		return b, nil
	case EncodeTimeYYMMDDHHMMSS:
		t, ok := ev.Raw.(time.Time)
		if !ok {
			return nil, &gwerrors.ValidationError{Field: ev.Def.ID, Message: "TIME element requires a time.Time value"}
		}
		return codec.EncodeReportTime(t), nil
	default:
		return nil, &gwerrors.ValidationError{Field: ev.Def.ID, Message: fmt.Sprintf("unsupported encode for builder: %s", ev.Def.Encode)}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		f := float64(n)
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// BuildCommand resolves a set of logical (elementId, value) requests
// against a device's configured element list for funcCode and builds the
// resulting downlink command frame.
func (b *Builder) BuildCommand(cfg *DeviceConfig, centerCode, remoteCode, password, funcCode string, reqs []SendControlRequest) ([]byte, error) {
	if centerCode == "" {
		centerCode = "01"
	}
	if password == "" {
		password = "0000"
	}

	defs := cfg.ElementsByFunc[funcCode]
	byID := make(map[string]ElementDef, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	elements := make([]ElementValue, 0, len(reqs))
	for _, req := range reqs {
		def, ok := byID[req.ElementID]
		if !ok {
			return nil, &gwerrors.ValidationError{Field: req.ElementID, Message: "unknown element id for this function code"}
		}
		elements = append(elements, ElementValue{Def: def, Raw: req.Value})
	}

	return b.BuildDownFrame(BuildDownFrameParams{
		CenterCode: centerCode,
		RemoteCode: remoteCode,
		Password:   password,
		FuncCode:   funcCode,
		Elements:   elements,
	})
}
