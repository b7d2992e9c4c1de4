// Package simreader emulates an H906 reader behind the transport.Port seam.
// It backs unit tests and the bridge's simulate mode.
package simreader

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/transport"
)

var (
	ErrPortClosed = errors.New("simreader: port closed")
	ErrUnplugged  = errors.New("simreader: device not present")
)

// Tag is one simulated transponder.
type Tag struct {
	EPC     []byte
	TID     []byte
	User    []byte
	RSSI    int
	Antenna int
}

// MustTag builds a tag from hex strings; it panics on bad input.
func MustTag(epcHex, tidHex string, rssi int) Tag {
	epc, err := hex.DecodeString(epcHex)
	if err != nil {
		panic(err)
	}
	var tid []byte
	if tidHex != "" {
		if tid, err = hex.DecodeString(tidHex); err != nil {
			panic(err)
		}
	}
	return Tag{EPC: epc, TID: tid, RSSI: rssi, Antenna: 1}
}

// Device is a simulated reader shared by every port opened on it.
type Device struct {
	mu sync.Mutex

	address      byte
	bauds        map[int]bool
	tags         []Tag
	tagsPerFrame int
	params       reader18.ReadParameter
	band         byte
	maxChannel   byte
	minChannel   byte
	power        byte
	muted        bool
	unplugged    bool
	failTID      map[string]bool

	powerWrites    []int
	paramWrites    []reader18.ReadParameter
	regionWrites   int
	inventoryCalls int
	readCalls      int
	ports          []*Port
}

// New returns a device answering at 115200 and 57600 with factory parameters.
func New() *Device {
	return &Device{
		address: 0x00,
		bauds:   map[int]bool{115200: true, 57600: true},
		params: reader18.ReadParameter{
			QValue:   4,
			Antenna:  0x80,
			ScanTime: 10,
		},
		band:       4,
		maxChannel: 14,
		power:      30,
		failTID:    make(map[string]bool),
	}
}

// SetBauds replaces the set of baud rates the device answers on.
func (d *Device) SetBauds(bauds ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bauds = make(map[int]bool, len(bauds))
	for _, b := range bauds {
		d.bauds[b] = true
	}
}

func (d *Device) SetTags(tags ...Tag) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags = append([]Tag(nil), tags...)
}

// SetTagsPerFrame splits inventory responses into frames of n tags.
func (d *Device) SetTagsPerFrame(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tagsPerFrame = n
}

// Mute makes the device swallow every command.
func (d *Device) Mute(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
}

// FailTID makes TID reads of the given EPC fail with a tag error.
func (d *Device) FailTID(epcHex string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failTID[strings.ToUpper(epcHex)] = true
}

// Unplug closes every open port with an error and refuses new opens until Plug.
func (d *Device) Unplug() {
	d.mu.Lock()
	d.unplugged = true
	ports := d.ports
	d.ports = nil
	d.mu.Unlock()
	for _, p := range ports {
		p.fail()
	}
}

func (d *Device) Plug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unplugged = false
}

func (d *Device) PowerWrites() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.powerWrites...)
}

func (d *Device) ParamWrites() []reader18.ReadParameter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]reader18.ReadParameter(nil), d.paramWrites...)
}

func (d *Device) Params() reader18.ReadParameter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

func (d *Device) Region() (band, maxChannel, minChannel byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.band, d.maxChannel, d.minChannel
}

func (d *Device) RegionWrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regionWrites
}

func (d *Device) InventoryCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inventoryCalls
}

func (d *Device) ReadCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCalls
}

// Opener returns a transport.PortOpener bound to this device.
func (d *Device) Opener() transport.PortOpener {
	return func(path string, baud int) (transport.Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.unplugged {
			return nil, fmt.Errorf("open %s: %w", path, ErrUnplugged)
		}
		p := newPort(d, baud)
		d.ports = append(d.ports, p)
		return p, nil
	}
}

func (d *Device) release(p *Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, open := range d.ports {
		if open == p {
			d.ports = append(d.ports[:i], d.ports[i+1:]...)
			return
		}
	}
}

// handle answers one command frame. It returns the raw response bytes.
func (d *Device) handle(baud int, frame reader18.Frame) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muted || !d.bauds[baud] {
		return nil
	}
	if frame.Address != d.address && frame.Address != reader18.BroadcastReaderAddress {
		return nil
	}

	reply := func(payload ...byte) []byte {
		return reader18.BuildCommand(d.address, frame.Command, payload)
	}

	switch frame.Command {
	case reader18.CmdGetReadParameter:
		p := d.params
		return reply(reader18.StatusSuccess, p.QValue, p.Session, p.Target, p.Antenna, p.ScanTime, p.Reserved)
	case reader18.CmdSetReadParameter:
		if len(frame.Payload) < 5 {
			return reply(reader18.StatusLengthError)
		}
		pl := frame.Payload
		d.params = reader18.ReadParameter{QValue: pl[0], Session: pl[1], Target: pl[2], Antenna: pl[3], ScanTime: pl[4]}
		d.paramWrites = append(d.paramWrites, d.params)
		return reply(reader18.StatusSuccess)
	case reader18.CmdGetReaderInfo:
		high, low := reader18.EncodeRegion(d.band, d.maxChannel, d.minChannel)
		return reply(reader18.StatusSuccess, 0x03, 0x01, 0x0F, 0x02, high, low, d.power, d.params.ScanTime)
	case reader18.CmdSetRegion:
		if len(frame.Payload) < 2 {
			return reply(reader18.StatusLengthError)
		}
		d.band, d.maxChannel, d.minChannel = reader18.DecodeRegion(frame.Payload[0], frame.Payload[1])
		d.regionWrites++
		return reply(reader18.StatusSuccess)
	case reader18.CmdSetOutputPower:
		if len(frame.Payload) < 1 {
			return reply(reader18.StatusLengthError)
		}
		d.power = frame.Payload[0]
		d.powerWrites = append(d.powerWrites, int(frame.Payload[0]))
		return reply(reader18.StatusSuccess)
	case reader18.CmdSetScanTime:
		if len(frame.Payload) < 1 {
			return reply(reader18.StatusLengthError)
		}
		d.params.ScanTime = frame.Payload[0]
		return reply(reader18.StatusSuccess)
	case reader18.CmdInventory:
		return d.inventory(frame)
	case reader18.CmdReadData:
		return d.readData(frame)
	}
	return reply(reader18.StatusCmdError)
}

func (d *Device) inventory(frame reader18.Frame) []byte {
	d.inventoryCalls++
	req, err := reader18.ParseInventoryParams(frame.Payload)
	if err != nil {
		return reader18.BuildCommand(d.address, reader18.CmdInventory, []byte{reader18.StatusParamError})
	}

	matched := make([]Tag, 0, len(d.tags))
	for _, tag := range d.tags {
		if req.Mask.Matches(tag.EPC) {
			matched = append(matched, tag)
		}
	}
	if len(matched) == 0 {
		return reader18.BuildCommand(d.address, reader18.CmdInventory, []byte{reader18.StatusNoTag})
	}

	per := d.tagsPerFrame
	if per <= 0 {
		per = len(matched)
	}
	memStart, memLen := int(req.MemWordPtr)*2, int(req.MemWords)*2

	var out []byte
	for start := 0; start < len(matched); start += per {
		end := start + per
		status := reader18.StatusMoreData
		if end >= len(matched) {
			end = len(matched)
			status = reader18.StatusInventoryDone
		}
		chunk := matched[start:end]
		payload := []byte{status, antennaMask(chunk[0].Antenna), byte(len(chunk))}
		for _, tag := range chunk {
			record := append([]byte(nil), tag.EPC...)
			if memLen > 0 {
				record = append(record, window(tag.TID, memStart, memLen)...)
			}
			payload = append(payload, byte(len(record)))
			payload = append(payload, record...)
			payload = append(payload, byte(tag.RSSI))
		}
		out = append(out, reader18.BuildCommand(d.address, reader18.CmdInventory, payload)...)
	}
	return out
}

func (d *Device) readData(frame reader18.Frame) []byte {
	d.readCalls++
	reply := func(payload ...byte) []byte {
		return reader18.BuildCommand(d.address, reader18.CmdReadData, payload)
	}
	req, err := reader18.ParseReadParams(frame.Payload)
	if err != nil {
		return reply(reader18.StatusParamError)
	}

	var tag *Tag
	for i := range d.tags {
		if req.Mask.Matches(d.tags[i].EPC) {
			tag = &d.tags[i]
			break
		}
	}
	if tag == nil {
		return reply(reader18.StatusNoTag)
	}

	var bank []byte
	switch req.Bank {
	case 1:
		// CRC-16 and PC words precede the EPC.
		bank = append([]byte{0x00, 0x00, byte(len(tag.EPC) / 2 << 3), 0x00}, tag.EPC...)
	case 2:
		if d.failTID[strings.ToUpper(hex.EncodeToString(tag.EPC))] {
			return reply(reader18.StatusTagError, 0x0B)
		}
		bank = tag.TID
	case 3:
		bank = tag.User
	default:
		bank = make([]byte, 8)
	}

	start, n := int(req.WordPtr)*2, int(req.Words)*2
	if start+n > len(bank) {
		// memory overrun
		return reply(reader18.StatusTagError, 0x03)
	}
	return reply(append([]byte{reader18.StatusSuccess}, bank[start:start+n]...)...)
}

func window(b []byte, start, n int) []byte {
	out := make([]byte, n)
	if start < len(b) {
		copy(out, b[start:])
	}
	return out
}

func antennaMask(antenna int) byte {
	if antenna < 1 || antenna > 8 {
		return 0x01
	}
	return byte(1 << (antenna - 1))
}
