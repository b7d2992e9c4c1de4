package reader18

import (
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// Command codes from UHFReader18 style protocol (H906 firmware subset).
const (
	CmdInventory        byte = 0x01
	CmdReadData         byte = 0x02
	CmdGetReaderInfo    byte = 0x21
	CmdSetRegion        byte = 0x22
	CmdSetScanTime      byte = 0x25
	CmdSetOutputPower   byte = 0x2F
	CmdSetReadParameter byte = 0x75
	CmdGetReadParameter byte = 0x77

	DefaultReaderAddress   byte = 0x00
	BroadcastReaderAddress      = byte(0xFF)
)

// Response status codes.
const (
	StatusSuccess       byte = 0x00
	StatusInventoryDone byte = 0x01
	StatusScanOverflow  byte = 0x02
	StatusMoreData      byte = 0x03
	StatusBufferFull    byte = 0x04
	StatusAntennaError  byte = 0xF8
	StatusNoTag         byte = 0xFB
	StatusTagError      byte = 0xFC
	StatusLengthError   byte = 0xFD
	StatusCmdError      byte = 0xFE
	StatusParamError    byte = 0xFF
)

const (
	// MinFrameLen is Len + Adr + Cmd + CRC with an empty payload.
	MinFrameLen = 5
	// MaxPayload keeps the whole frame addressable by the one-byte length field.
	MaxPayload = 0xFF - 4

	minResponseLen = MinFrameLen + 1
)

var (
	ErrTruncated        = errors.New("reader18: frame truncated")
	ErrChecksumMismatch = errors.New("reader18: checksum mismatch")
	ErrUnknownCommand   = errors.New("reader18: unknown command")
)

var knownCommands = map[byte]string{
	CmdInventory:        "inventory",
	CmdReadData:         "read-data",
	CmdGetReaderInfo:    "get-reader-info",
	CmdSetRegion:        "set-region",
	CmdSetScanTime:      "set-scan-time",
	CmdSetOutputPower:   "set-output-power",
	CmdSetReadParameter: "set-read-parameter",
	CmdGetReadParameter: "get-read-parameter",
}

// CommandName returns a short label for logs.
func CommandName(command byte) string {
	if name, ok := knownCommands[command]; ok {
		return name
	}
	return fmt.Sprintf("cmd-0x%02X", command)
}

// Frame is one decoded frame. Payload is everything between the command byte and
// the CRC; for reader responses Status and Data split it further.
type Frame struct {
	Length  byte
	Address byte
	Command byte
	Payload []byte
	Status  byte
	Data    []byte
	Raw     []byte
}

// StatusError reports a response whose status byte is not a success code.
type StatusError struct {
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reader18: %s returned status 0x%02X", CommandName(e.Command), e.Status)
}

// CheckStatus returns a *StatusError unless the frame status is StatusSuccess.
func CheckStatus(frame Frame) error {
	if frame.Status != StatusSuccess {
		return &StatusError{Command: frame.Command, Status: frame.Status}
	}
	return nil
}

var crcTable = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// Checksum is CRC-16/MCRF4XX (poly 0x8408 reflected, init 0xFFFF), sent low byte first.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// BuildCommand builds one wire packet for the given command and payload.
// Packet format: Len(1) + Adr(1) + Cmd(1) + Data(n) + CRC_L(1) + CRC_H(1)
func BuildCommand(address byte, command byte, payload []byte) []byte {
	if len(payload) > MaxPayload {
		panic(fmt.Sprintf("reader18: payload of %d bytes exceeds %d", len(payload), MaxPayload))
	}
	length := byte(len(payload) + 4)
	packet := make([]byte, 0, int(length)+1)
	packet = append(packet, length, address, command)
	packet = append(packet, payload...)

	crc := Checksum(packet)
	packet = append(packet, byte(crc&0xFF), byte(crc>>8))
	return packet
}

// Encode is BuildCommand under the codec's contract name.
func Encode(address, command byte, payload []byte) []byte {
	return BuildCommand(address, command, payload)
}

// VerifyPacket checks declared length and CRC for a full packet.
func VerifyPacket(packet []byte) bool {
	if len(packet) < MinFrameLen {
		return false
	}
	if int(packet[0])+1 != len(packet) {
		return false
	}
	crc := Checksum(packet[:len(packet)-2])
	return byte(crc&0xFF) == packet[len(packet)-2] && byte(crc>>8) == packet[len(packet)-1]
}

// Decode validates and decodes exactly one frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < MinFrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}
	total := int(raw[0]) + 1
	if total < MinFrameLen || total != len(raw) {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, got %d", ErrTruncated, total, len(raw))
	}
	crc := Checksum(raw[:total-2])
	if byte(crc&0xFF) != raw[total-2] || byte(crc>>8) != raw[total-1] {
		return Frame{}, fmt.Errorf("%w: want %04X", ErrChecksumMismatch, crc)
	}
	if _, ok := knownCommands[raw[2]]; !ok {
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, raw[2])
	}

	frameRaw := make([]byte, total)
	copy(frameRaw, raw)
	frame := Frame{
		Length:  frameRaw[0],
		Address: frameRaw[1],
		Command: frameRaw[2],
		Payload: frameRaw[3 : total-2],
		Raw:     frameRaw,
	}
	if len(frame.Payload) > 0 {
		frame.Status = frame.Payload[0]
		frame.Data = frame.Payload[1:]
	}
	return frame, nil
}

// ParseFrames decodes as many valid response frames as possible from stream data.
// It returns parsed frames, remaining bytes that were not enough for a full frame,
// and the number of bytes discarded while resynchronising.
func ParseFrames(stream []byte) (frames []Frame, remaining []byte, dropped int) {
	return splitFrames(stream, minResponseLen)
}

// ParseRequests is ParseFrames for the host-to-reader direction, where frames
// may carry no payload at all.
func ParseRequests(stream []byte) (frames []Frame, remaining []byte, dropped int) {
	return splitFrames(stream, MinFrameLen)
}

func splitFrames(stream []byte, minLen int) (frames []Frame, remaining []byte, dropped int) {
	if len(stream) == 0 {
		return nil, nil, 0
	}

	buf := stream
	frames = make([]Frame, 0, 4)

	for len(buf) > 0 {
		if len(buf) < minLen {
			break
		}

		total := int(buf[0]) + 1
		if total < minLen {
			buf = buf[1:]
			dropped++
			continue
		}
		if total > len(buf) {
			break
		}

		frame, err := Decode(buf[:total])
		switch {
		case err == nil:
			frames = append(frames, frame)
			buf = buf[total:]
		case errors.Is(err, ErrUnknownCommand):
			// Well-formed but foreign; skip it whole.
			buf = buf[total:]
			dropped += total
		default:
			buf = buf[1:]
			dropped++
		}
	}

	remaining = make([]byte, len(buf))
	copy(remaining, buf)
	return frames, remaining, dropped
}

func antennaIDFromMask(mask byte) int {
	switch mask {
	case 1:
		return 1
	case 2:
		return 2
	case 4:
		return 3
	case 8:
		return 4
	case 16:
		return 5
	case 32:
		return 6
	case 64:
		return 7
	case 128:
		return 8
	default:
		return int(mask) + 1
	}
}
