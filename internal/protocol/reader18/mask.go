package reader18

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Mask memory banks.
const (
	MaskMemEPC byte = 0x01

	// maskAddrEPC is the bit pointer of the first EPC bit (after CRC-16 and PC words).
	maskAddrEPC uint16 = 0x0020

	// MaxMaskBits bounds every mask sent to the reader (15 EPC words).
	MaxMaskBits = 240
)

// Mask is a bit-length-qualified pattern matched against the start of a tag's EPC.
// Data holds at least ceil(Bits/8) bytes; bits past Bits are zero.
type Mask struct {
	Data []byte
	Bits int
}

// ParseMask reads a hex filter. Whitespace is ignored; every nibble contributes four
// bits, so an odd nibble count yields a mask ending mid-byte.
func ParseMask(s string) (Mask, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if clean == "" {
		return Mask{}, nil
	}

	nibbles := len(clean)
	if nibbles%2 != 0 {
		clean += "0"
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return Mask{}, fmt.Errorf("reader18: invalid mask %q: %w", s, err)
	}
	return Mask{Data: data, Bits: nibbles * 4}, nil
}

// MaskForEPC matches one full EPC.
func MaskForEPC(epc []byte) Mask {
	data := make([]byte, len(epc))
	copy(data, epc)
	return Mask{Data: data, Bits: len(epc) * 8}
}

func (m Mask) Empty() bool {
	return m.Bits <= 0
}

// Clamp cuts the mask to at most maxBits. The second result reports whether anything
// was cut.
func (m Mask) Clamp(maxBits int) (Mask, bool) {
	if m.Bits <= maxBits {
		return m, false
	}
	return m.prefix(maxBits), true
}

func (m Mask) prefix(bits int) Mask {
	if bits <= 0 {
		return Mask{}
	}
	n := (bits + 7) / 8
	data := make([]byte, n)
	copy(data, m.Data)
	if rem := bits % 8; rem != 0 {
		data[n-1] &= byte(0xFF << (8 - rem))
	}
	return Mask{Data: data, Bits: bits}
}

// Hex renders the significant nibbles of the mask.
func (m Mask) Hex() string {
	if m.Empty() {
		return ""
	}
	full := strings.ToUpper(hex.EncodeToString(m.Data))
	nibbles := (m.Bits + 3) / 4
	if nibbles > len(full) {
		nibbles = len(full)
	}
	return full[:nibbles]
}

// Matches reports whether epc starts with the mask bits.
func (m Mask) Matches(epc []byte) bool {
	if m.Empty() {
		return true
	}
	if len(epc)*8 < m.Bits {
		return false
	}
	p := m.prefix(m.Bits)
	e := Mask{Data: epc, Bits: len(epc) * 8}.prefix(m.Bits)
	for i := range p.Data {
		if p.Data[i] != e.Data[i] {
			return false
		}
	}
	return true
}

// Wire renders MaskMem(1) + MaskAdr(2) + MaskLen(1) + MaskData(n). An empty mask keeps
// the header with MaskLen zero so the payload layout stays fixed.
func (m Mask) Wire() []byte {
	m, _ = m.Clamp(MaxMaskBits)
	out := []byte{MaskMemEPC, byte(maskAddrEPC >> 8), byte(maskAddrEPC & 0xFF), 0x00}
	if m.Empty() {
		return out
	}
	p := m.prefix(m.Bits)
	out[3] = byte(m.Bits)
	return append(out, p.Data...)
}

// ParseMaskFields is the inverse of the wire layout; it returns the mask and the number
// of payload bytes consumed.
func ParseMaskFields(payload []byte) (Mask, int, error) {
	if len(payload) < 4 {
		return Mask{}, 0, fmt.Errorf("%w: mask header", ErrTruncated)
	}
	bits := int(payload[3])
	n := (bits + 7) / 8
	if len(payload) < 4+n {
		return Mask{}, 0, fmt.Errorf("%w: mask data", ErrTruncated)
	}
	if bits == 0 {
		return Mask{}, 4, nil
	}
	data := make([]byte, n)
	copy(data, payload[4:4+n])
	return Mask{Data: data, Bits: bits}, 4 + n, nil
}
