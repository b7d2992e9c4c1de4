package reader18

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksumMatchesMCRF4XXVector(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0x6F91 {
		t.Fatalf("checksum mismatch: got %04X want 6F91", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := make([]byte, 0, 250)
	for n := 0; n <= 250; n++ {
		for cmd := range knownCommands {
			raw := Encode(0xFF, cmd, payload)
			if int(raw[0])+1 != len(raw) {
				t.Fatalf("declared length %d does not match %d", raw[0], len(raw))
			}
			frame, err := Decode(raw)
			if err != nil {
				t.Fatalf("decode cmd=%02X n=%d: %v", cmd, n, err)
			}
			if frame.Address != 0xFF || frame.Command != cmd {
				t.Fatalf("header mismatch: adr=%02X cmd=%02X", frame.Address, frame.Command)
			}
			if !bytes.Equal(frame.Payload, payload) {
				t.Fatalf("payload mismatch at n=%d", n)
			}
		}
		payload = append(payload, byte(n*7))
	}
}

func TestDecodeRejectsChecksumBitFlip(t *testing.T) {
	raw := Encode(0x00, CmdGetReadParameter, []byte{0x00, 0x04, 0x00, 0x00, 0x80, 0x0A, 0x00})
	for idx := len(raw) - 2; idx < len(raw); idx++ {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), raw...)
			bad[idx] ^= 1 << bit
			if _, err := Decode(bad); !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("byte %d bit %d: expected checksum mismatch, got %v", idx, bit, err)
			}
		}
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	raw := Encode(0x00, CmdReadData, []byte{0x00, 0x12, 0x34})
	if _, err := Decode(raw[:len(raw)-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated, got %v", err)
	}
	if _, err := Decode(raw[:3]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated on short buffer, got %v", err)
	}
}

func TestDecodeRejectsUnknownCommand(t *testing.T) {
	if _, err := Decode(BuildCommand(0x00, 0x99, nil)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected unknown command, got %v", err)
	}
}

func TestParseFramesResyncsOnGarbage(t *testing.T) {
	frameA := Encode(0x00, CmdGetReadParameter, []byte{0x00, 0x04, 0x00, 0x00, 0x80, 0x0A, 0x00})
	frameB := Encode(0x00, CmdSetOutputPower, []byte{0x00})

	stream := []byte{0x00, 0x03}
	stream = append(stream, frameA...)
	stream = append(stream, frameB...)
	stream = append(stream, frameA[:4]...)

	frames, remaining, dropped := ParseFrames(stream)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Command != CmdGetReadParameter || frames[1].Command != CmdSetOutputPower {
		t.Fatalf("unexpected frame order: %02X %02X", frames[0].Command, frames[1].Command)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped bytes, got %d", dropped)
	}
	if !bytes.Equal(remaining, frameA[:4]) {
		t.Fatalf("unexpected remaining bytes: % X", remaining)
	}
}

func TestParseFramesSkipsForeignFrameWhole(t *testing.T) {
	stream := append(BuildCommand(0x00, 0x99, []byte{0x00, 0x01}), Encode(0x00, CmdSetRegion, []byte{0x00})...)
	frames, _, dropped := ParseFrames(stream)
	if len(frames) != 1 || frames[0].Command != CmdSetRegion {
		t.Fatalf("unexpected frames: %+v", frames)
	}
	if dropped != 7 {
		t.Fatalf("expected foreign frame dropped whole, got %d", dropped)
	}
}

func TestCheckStatus(t *testing.T) {
	frame, err := Decode(Encode(0x00, CmdReadData, []byte{StatusTagError, 0x0B}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var statusErr *StatusError
	if !errors.As(CheckStatus(frame), &statusErr) || statusErr.Status != StatusTagError {
		t.Fatalf("expected status error, got %v", CheckStatus(frame))
	}
	code, ok := TagErrorCode(frame)
	if !ok || code != 0x0B {
		t.Fatalf("unexpected tag code: %02X %v", code, ok)
	}
}

func TestParseInventoryG2Tags(t *testing.T) {
	payload := []byte{
		StatusInventoryDone, 0x01, 0x02,
		0x02, 0xE2, 0x00, 0x50,
		0x02, 0xE2, 0x01, 0x51,
	}
	frame, err := Decode(Encode(0x00, CmdInventory, payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tags, err := ParseInventoryG2Tags(frame, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if !bytes.Equal(tags[0].EPC, []byte{0xE2, 0x00}) || !bytes.Equal(tags[1].EPC, []byte{0xE2, 0x01}) {
		t.Fatalf("unexpected epcs: % X / % X", tags[0].EPC, tags[1].EPC)
	}
	if tags[0].RSSI != 0x50 || tags[0].Antenna != 1 || tags[0].Mem != nil {
		t.Fatalf("unexpected first tag: %+v", tags[0])
	}
}

func TestParseInventoryG2TagsSplitsInlineMemory(t *testing.T) {
	payload := []byte{StatusSuccess, 0x04, 0x01, 0x04, 0xE2, 0x00, 0xAA, 0xBB, 0x40}
	frame, err := Decode(Encode(0x00, CmdInventory, payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tags, err := ParseInventoryG2Tags(frame, 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tags) != 1 || !bytes.Equal(tags[0].EPC, []byte{0xE2, 0x00}) || !bytes.Equal(tags[0].Mem, []byte{0xAA, 0xBB}) {
		t.Fatalf("unexpected tag: %+v", tags)
	}
	if tags[0].Antenna != 3 {
		t.Fatalf("unexpected antenna: %d", tags[0].Antenna)
	}
}

func TestParseInventoryG2TagsRejectsTruncatedRecord(t *testing.T) {
	payload := []byte{StatusInventoryDone, 0x01, 0x02, 0x02, 0xE2, 0x00, 0x50, 0x04, 0xE2}
	frame, err := Decode(Encode(0x00, CmdInventory, payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := ParseInventoryG2Tags(frame, 0); err == nil {
		t.Fatalf("expected error for truncated record")
	}
}

func TestParseInventoryG2TagsNoTag(t *testing.T) {
	frame, err := Decode(Encode(0x00, CmdInventory, []byte{StatusNoTag}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tags, err := ParseInventoryG2Tags(frame, 0)
	if err != nil || len(tags) != 0 {
		t.Fatalf("expected no tags, got %v %v", tags, err)
	}
}

func TestInventoryCommandRoundTrip(t *testing.T) {
	mask, err := ParseMask("E20")
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	want := InventoryParams{QValue: 4, Session: 1, Mask: mask, MemWordPtr: 0, MemWords: 2, Target: 0, Antenna: 0x80, ScanTime: 10}
	frame, err := Decode(InventoryG2Command(0xFF, want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := ParseInventoryParams(frame.Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.QValue != 4 || got.Session != 1 || got.MemWords != 2 || got.Antenna != 0x80 || got.ScanTime != 10 {
		t.Fatalf("unexpected params: %+v", got)
	}
	if got.Mask.Bits != 12 || got.Mask.Hex() != "E20" {
		t.Fatalf("unexpected mask: %+v", got.Mask)
	}
}

func TestReadDataCommandRoundTrip(t *testing.T) {
	p := ReadParams{Bank: 2, WordPtr: 0, Words: 6, Password: [4]byte{1, 2, 3, 4}, Mask: MaskForEPC([]byte{0xE2, 0x00})}
	frame, err := Decode(ReadDataCommand(0xFF, p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := ParseReadParams(frame.Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Bank != 2 || got.Words != 6 || got.Password != p.Password {
		t.Fatalf("unexpected read params: %+v", got)
	}
	if !got.Mask.Matches([]byte{0xE2, 0x00, 0x11}) || got.Mask.Matches([]byte{0xE2, 0x01}) {
		t.Fatalf("mask does not scope to epc: %+v", got.Mask)
	}
}

func TestParseReadData(t *testing.T) {
	frame, err := Decode(Encode(0x00, CmdReadData, []byte{StatusSuccess, 0xE2, 0x80, 0x11, 0x05}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	data, err := ParseReadData(frame)
	if err != nil || !bytes.Equal(data, []byte{0xE2, 0x80, 0x11, 0x05}) {
		t.Fatalf("unexpected read data: % X %v", data, err)
	}
}

func TestParseReadParameter(t *testing.T) {
	frame, err := Decode(Encode(0x00, CmdGetReadParameter, []byte{StatusSuccess, 0x04, 0x01, 0x00, 0x80, 0x0A, 0x00}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, err := ParseReadParameter(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.QValue != 4 || p.Session != 1 || p.Antenna != 0x80 || p.ScanTime != 10 {
		t.Fatalf("unexpected parameter block: %+v", p)
	}

	short, _ := Decode(Encode(0x00, CmdGetReadParameter, []byte{StatusSuccess, 0x04}))
	if _, err := ParseReadParameter(short); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated, got %v", err)
	}
}

func TestRegionEncoding(t *testing.T) {
	cases := []struct{ band, max, min byte }{
		{4, 14, 0},
		{2, 49, 0},
		{1, 19, 0},
		{8, 59, 0},
		{3, 9, 3},
	}
	for _, tc := range cases {
		high, low := EncodeRegion(tc.band, tc.max, tc.min)
		band, maxCh, minCh := DecodeRegion(high, low)
		if band != tc.band || maxCh != tc.max || minCh != tc.min {
			t.Fatalf("region round trip mismatch: %+v -> %d %d %d", tc, band, maxCh, minCh)
		}
	}
}

func TestParseReaderInfo(t *testing.T) {
	high, low := EncodeRegion(4, 14, 0)
	payload := []byte{StatusSuccess, 0x03, 0x01, 0x0F, 0x02, high, low, 0x1E, 0x0A}
	frame, err := Decode(Encode(0x00, CmdGetReaderInfo, payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	info, err := ParseReaderInfo(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.Version != 0x0301 || info.Band != 4 || info.MaxChannel != 14 || info.Power != 30 || info.ScanTime != 10 {
		t.Fatalf("unexpected reader info: %+v", info)
	}
}

func TestParseRequestsAcceptsEmptyPayload(t *testing.T) {
	stream := append(GetReadParameterCommand(0xFF), GetReaderInfoCommand(0xFF)...)
	frames, remaining, dropped := ParseRequests(stream)
	if len(frames) != 2 || len(remaining) != 0 || dropped != 0 {
		t.Fatalf("unexpected split: frames=%d remaining=%d dropped=%d", len(frames), len(remaining), dropped)
	}

	frames, _, _ = ParseFrames(GetReadParameterCommand(0xFF))
	if len(frames) != 0 {
		t.Fatalf("response splitter must not accept payload-less frames")
	}
}
