package sdk

import (
	"time"

	"h906bridge/internal/events"
	"h906bridge/internal/inventory"
	"h906bridge/internal/params"
	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/transport"
)

// Result is what every caller-facing operation returns. Code is 0 on success,
// a vendor status or link code on failure, and -1 for anything unexpected.
type Result struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
	Baud    int    `json:"baud,omitempty"`
}

func ok(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// PowerData is the payload of a successful SetPower.
type PowerData struct {
	Power   int    `json:"power"`
	Region  string `json:"region"`
	Session int    `json:"session"`
	QValue  int    `json:"qValue"`
}

// ReadData is the payload of a successful ReadSingleTag.
type ReadData struct {
	Hex       string `json:"hex"`
	Mem       int    `json:"mem"`
	WordPtr   int    `json:"wordPtr"`
	Len       int    `json:"len"`
	EPCFilter string `json:"epcFilter"`
	Truncated bool   `json:"truncated"`
}

// ReadArgs selects the memory window of a single-tag read. Nil pointers take
// the defaults: EPC bank, word 2, 6 words.
type ReadArgs struct {
	Bank     *int   `json:"bank,omitempty"`
	WordPtr  *int   `json:"wordPtr,omitempty"`
	Len      *int   `json:"len,omitempty"`
	Password string `json:"password,omitempty"`
	EPC      string `json:"epc,omitempty"`
}

const (
	DefaultReadWordPtr  = 2
	DefaultReadLen      = 6
	DefaultReadPassword = "00000000"
)

// StartArgs are the optional inventory overrides accepted by StartInventory.
type StartArgs struct {
	ScanTime   *int     `json:"scanTime,omitempty"`
	QValue     *int     `json:"qValue,omitempty"`
	Session    *int     `json:"session,omitempty"`
	Antenna    *int     `json:"antenna,omitempty"`
	IncludeTID bool     `json:"includeTid,omitempty"`
	TIDWordPtr *int     `json:"tidWordPtr,omitempty"`
	TIDLen     *int     `json:"tidLen,omitempty"`
	EPCFilter  string   `json:"epcFilter,omitempty"`
	MasksHex   []string `json:"masksHex,omitempty"`
	MemWordPtr *int     `json:"memWordPtr,omitempty"`
	MemLen     *int     `json:"memLen,omitempty"`
}

// filterHex picks the inventory filter. EPCFilter wins; otherwise only the
// first non-empty MasksHex entry is honoured.
func (a StartArgs) filterHex() string {
	if a.EPCFilter != "" {
		return a.EPCFilter
	}
	for _, m := range a.MasksHex {
		if m != "" {
			return m
		}
	}
	return ""
}

func (a StartArgs) options() (inventory.Options, error) {
	opts := inventory.Options{
		QValue:     a.QValue,
		Session:    a.Session,
		Antenna:    a.Antenna,
		ScanTime:   a.ScanTime,
		IncludeTID: a.IncludeTID,
	}
	if a.TIDWordPtr != nil {
		opts.TIDWordPtr = *a.TIDWordPtr
	}
	if a.TIDLen != nil {
		opts.TIDWords = *a.TIDLen
	}
	if a.MemWordPtr != nil {
		opts.InlineWordPtr = *a.MemWordPtr
	}
	if a.MemLen != nil {
		opts.InlineWords = *a.MemLen
	}
	if filter := a.filterHex(); filter != "" {
		mask, err := reader18.ParseMask(filter)
		if err != nil {
			return inventory.Options{}, err
		}
		opts.Filter = mask
	}
	return opts, nil
}

// PowerArgs is the wire shape of SetPower.
type PowerArgs struct {
	Power *int `json:"power"`
}

// Stats aggregates the counters of every layer.
type Stats struct {
	Connection transport.ConnectionState `json:"connection"`
	Link       transport.Stats           `json:"link"`
	Inventory  inventory.Stats           `json:"inventory"`
	Events     events.Stats              `json:"events"`
	Parameters params.ReaderParameters   `json:"parameters"`
	Uptime     time.Duration             `json:"uptimeNs"`
}
