package reader18

import (
	"fmt"
)

// InventoryParams is the Inventory_G2 (0x01) request.
// Payload: Q, Session, MaskMem, MaskAdr(2), MaskLen, MaskData(n), MemAdr, MemLen, Target, Ant, ScanTime.
// MemAdr/MemLen ask the reader to append that many TID words to each reported EPC.
type InventoryParams struct {
	QValue     byte
	Session    byte
	Mask       Mask
	MemWordPtr byte
	MemWords   byte
	Target     byte
	Antenna    byte
	ScanTime   byte
}

// InventoryG2Command builds the inventory request.
func InventoryG2Command(address byte, p InventoryParams) []byte {
	payload := make([]byte, 0, 16)
	payload = append(payload, p.QValue, p.Session)
	payload = append(payload, p.Mask.Wire()...)
	payload = append(payload, p.MemWordPtr, p.MemWords, p.Target, p.Antenna, p.ScanTime)
	return BuildCommand(address, CmdInventory, payload)
}

// ParseInventoryParams decodes an inventory request payload.
func ParseInventoryParams(payload []byte) (InventoryParams, error) {
	if len(payload) < 2 {
		return InventoryParams{}, fmt.Errorf("%w: inventory request", ErrTruncated)
	}
	mask, n, err := ParseMaskFields(payload[2:])
	if err != nil {
		return InventoryParams{}, err
	}
	rest := payload[2+n:]
	if len(rest) < 5 {
		return InventoryParams{}, fmt.Errorf("%w: inventory request tail", ErrTruncated)
	}
	return InventoryParams{
		QValue:     payload[0],
		Session:    payload[1],
		Mask:       mask,
		MemWordPtr: rest[0],
		MemWords:   rest[1],
		Target:     rest[2],
		Antenna:    rest[3],
		ScanTime:   rest[4],
	}, nil
}

// InventoryTag is one parsed tag from an inventory response.
type InventoryTag struct {
	Antenna int
	EPC     []byte
	Mem     []byte
	RSSI    int
}

// CarriesTags reports whether an inventory response status may hold tag records.
func CarriesTags(status byte) bool {
	switch status {
	case StatusSuccess, StatusInventoryDone, StatusScanOverflow, StatusMoreData, StatusBufferFull:
		return true
	}
	return false
}

// ParseInventoryG2Tags parses inventory payload from command 0x01.
// Data format: AntMask(1), TagNum(1), repeated [Len(1), EPC+Mem(n), RSSI(1)].
// memBytes is the inline memory length requested; it is split off the end of each record.
func ParseInventoryG2Tags(frame Frame, memBytes int) ([]InventoryTag, error) {
	if frame.Command != CmdInventory {
		return nil, fmt.Errorf("not inventory frame")
	}
	if !CarriesTags(frame.Status) || len(frame.Data) < 2 {
		return nil, nil
	}

	tagNum := int(frame.Data[1])
	if tagNum <= 0 {
		return nil, nil
	}

	antenna := antennaIDFromMask(frame.Data[0])
	cursor := 2
	tags := make([]InventoryTag, 0, tagNum)
	for i := 0; i < tagNum; i++ {
		if cursor >= len(frame.Data) {
			return nil, fmt.Errorf("inventory payload truncated at tag %d", i)
		}
		recLen := int(frame.Data[cursor])
		cursor++
		if recLen <= 0 || cursor+recLen > len(frame.Data) {
			return nil, fmt.Errorf("inventory invalid epc len at tag %d", i)
		}

		record := frame.Data[cursor : cursor+recLen]
		cursor += recLen
		if cursor >= len(frame.Data) {
			return nil, fmt.Errorf("inventory missing rssi at tag %d", i)
		}
		rssi := int(frame.Data[cursor])
		cursor++

		epcLen := recLen
		if memBytes > 0 && recLen > memBytes {
			epcLen = recLen - memBytes
		}
		tag := InventoryTag{
			Antenna: antenna,
			EPC:     append([]byte(nil), record[:epcLen]...),
			RSSI:    rssi,
		}
		if epcLen < recLen {
			tag.Mem = append([]byte(nil), record[epcLen:]...)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// ReadParams is the ReadData_G2 (0x02) request. The tag is addressed through Mask only;
// the ENum field is always zero.
// Payload: ENum, Mem, WordPtr, Num, Pwd(4), MaskMem, MaskAdr(2), MaskLen, MaskData(n).
type ReadParams struct {
	Bank     byte
	WordPtr  byte
	Words    byte
	Password [4]byte
	Mask     Mask
}

// ReadDataCommand builds the memory read request.
func ReadDataCommand(address byte, p ReadParams) []byte {
	payload := make([]byte, 0, 16)
	payload = append(payload, 0x00, p.Bank, p.WordPtr, p.Words)
	payload = append(payload, p.Password[:]...)
	payload = append(payload, p.Mask.Wire()...)
	return BuildCommand(address, CmdReadData, payload)
}

// ParseReadParams decodes a memory read request payload.
func ParseReadParams(payload []byte) (ReadParams, error) {
	if len(payload) < 8 {
		return ReadParams{}, fmt.Errorf("%w: read request", ErrTruncated)
	}
	if payload[0] != 0 {
		return ReadParams{}, fmt.Errorf("reader18: read request with ENum %d unsupported", payload[0])
	}
	mask, _, err := ParseMaskFields(payload[8:])
	if err != nil {
		return ReadParams{}, err
	}
	p := ReadParams{
		Bank:    payload[1],
		WordPtr: payload[2],
		Words:   payload[3],
		Mask:    mask,
	}
	copy(p.Password[:], payload[4:8])
	return p, nil
}

// TagErrorCode extracts the tag-side error carried by StatusTagError responses.
func TagErrorCode(frame Frame) (byte, bool) {
	if frame.Status != StatusTagError || len(frame.Data) == 0 {
		return 0, false
	}
	return frame.Data[0], true
}

// ReadParameter is the volatile inventory parameter block.
// Layout: Q, Session, Target, Antenna, ScanTime, Reserved. Writes send the first five.
type ReadParameter struct {
	QValue   byte
	Session  byte
	Target   byte
	Antenna  byte
	ScanTime byte
	Reserved byte
}

// ReadParameterLen is the size of the block returned by CmdGetReadParameter.
const ReadParameterLen = 6

func GetReadParameterCommand(address byte) []byte {
	return BuildCommand(address, CmdGetReadParameter, nil)
}

func SetReadParameterCommand(address byte, p ReadParameter) []byte {
	return BuildCommand(address, CmdSetReadParameter, []byte{p.QValue, p.Session, p.Target, p.Antenna, p.ScanTime})
}

func ParseReadParameter(frame Frame) (ReadParameter, error) {
	if frame.Command != CmdGetReadParameter {
		return ReadParameter{}, fmt.Errorf("not read-parameter frame")
	}
	if err := CheckStatus(frame); err != nil {
		return ReadParameter{}, err
	}
	if len(frame.Data) < ReadParameterLen {
		return ReadParameter{}, fmt.Errorf("%w: read parameter block %d bytes", ErrTruncated, len(frame.Data))
	}
	d := frame.Data
	return ReadParameter{QValue: d[0], Session: d[1], Target: d[2], Antenna: d[3], ScanTime: d[4], Reserved: d[5]}, nil
}

// ReaderInfo is decoded data from command 0x21.
// Layout: Version(2), Type, Protocols, RegionHigh, RegionLow, Power, ScanTime.
type ReaderInfo struct {
	Version    uint16 `json:"version"`
	Type       byte   `json:"type"`
	Protocols  byte   `json:"protocols"`
	Band       byte   `json:"band"`
	MaxChannel byte   `json:"maxChannel"`
	MinChannel byte   `json:"minChannel"`
	Power      byte   `json:"power"`
	ScanTime   byte   `json:"scanTime"`
}

// ReaderInfoLen is the payload size after the status byte.
const ReaderInfoLen = 8

func GetReaderInfoCommand(address byte) []byte {
	return BuildCommand(address, CmdGetReaderInfo, nil)
}

func ParseReaderInfo(frame Frame) (ReaderInfo, error) {
	if frame.Command != CmdGetReaderInfo {
		return ReaderInfo{}, fmt.Errorf("not reader-info frame")
	}
	if err := CheckStatus(frame); err != nil {
		return ReaderInfo{}, err
	}
	if len(frame.Data) < ReaderInfoLen {
		return ReaderInfo{}, fmt.Errorf("%w: reader info %d bytes", ErrTruncated, len(frame.Data))
	}
	d := frame.Data
	band, maxCh, minCh := DecodeRegion(d[4], d[5])
	return ReaderInfo{
		Version:    uint16(d[0])<<8 | uint16(d[1]),
		Type:       d[2],
		Protocols:  d[3],
		Band:       band,
		MaxChannel: maxCh,
		MinChannel: minCh,
		Power:      d[6],
		ScanTime:   d[7],
	}, nil
}

// EncodeRegion packs band and channel bounds into the two region bytes.
func EncodeRegion(band, maxChannel, minChannel byte) (high, low byte) {
	high = ((band & 0x0C) << 4) | (maxChannel & 0x3F)
	low = ((band & 0x03) << 6) | (minChannel & 0x3F)
	return high, low
}

// DecodeRegion is the inverse of EncodeRegion.
func DecodeRegion(high, low byte) (band, maxChannel, minChannel byte) {
	band = ((high >> 4) & 0x0C) | (low >> 6)
	return band, high & 0x3F, low & 0x3F
}

// SetRegionCommand sets band and channel bounds for command 0x22.
func SetRegionCommand(address, band, maxChannel, minChannel byte) []byte {
	high, low := EncodeRegion(band, maxChannel, minChannel)
	return BuildCommand(address, CmdSetRegion, []byte{high, low})
}

// SetOutputPowerCommand sets output power in dBm.
func SetOutputPowerCommand(address, value byte) []byte {
	return BuildCommand(address, CmdSetOutputPower, []byte{value})
}

// SetScanTimeCommand sets the inventory scan window in 100ms ticks.
func SetScanTimeCommand(address, ticks byte) []byte {
	return BuildCommand(address, CmdSetScanTime, []byte{ticks})
}

// ParseReadData returns the memory words of a ReadData_G2 response.
func ParseReadData(frame Frame) ([]byte, error) {
	if frame.Command != CmdReadData {
		return nil, fmt.Errorf("not read-data frame")
	}
	if err := CheckStatus(frame); err != nil {
		return nil, err
	}
	if len(frame.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: read data has odd length %d", ErrTruncated, len(frame.Data))
	}
	return append([]byte(nil), frame.Data...), nil
}
