package tagread

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/transport"
)

// Memory banks.
const (
	BankReserved = 0
	BankEPC      = 1
	BankTID      = 2
	BankUser     = 3
)

const (
	MaxWordPtr = 255
	MaxWords   = 64
)

var (
	ErrNotConnected = errors.New("tagread: reader not connected")
	// ErrTimeout is the transport timeout; errors.Is matches either name.
	ErrTimeout = transport.ErrTimeout
)

// DeviceRejectedError is a non-success status from the reader. TagCode is
// only meaningful when Status is reader18.StatusTagError.
type DeviceRejectedError struct {
	Status  byte
	TagCode byte
}

func (e *DeviceRejectedError) Error() string {
	if e.Status == reader18.StatusTagError {
		return fmt.Sprintf("tagread: tag error 0x%02X", e.TagCode)
	}
	return fmt.Sprintf("tagread: reader rejected read with status 0x%02X", e.Status)
}

// Link is the part of transport.Session a Reader needs.
type Link interface {
	Exchange(ctx context.Context, cmd []byte, timeout time.Duration) (reader18.Frame, error)
	Address() byte
	IsOpen() bool
}

// Request selects a memory window. An empty Filter reads whichever tag answers first.
type Request struct {
	Bank     int
	WordPtr  int
	Words    int
	Password [4]byte
	Filter   reader18.Mask
}

// Result is a successful read. Truncated is set when the filter had to be cut
// to reader18.MaxMaskBits.
type Result struct {
	Data      []byte `json:"-"`
	Hex       string `json:"hex"`
	Bank      int    `json:"bank"`
	WordPtr   int    `json:"wordPtr"`
	Words     int    `json:"len"`
	Filter    string `json:"epcFilter"`
	Truncated bool   `json:"truncated"`
}

type Reader struct {
	link Link
	log  zerolog.Logger
}

func New(link Link, logger zerolog.Logger) *Reader {
	return &Reader{
		link: link,
		log:  logger.With().Str("component", "tagread").Logger(),
	}
}

// ReadMemory performs one ReadData_G2 exchange.
func (r *Reader) ReadMemory(ctx context.Context, req Request) (Result, error) {
	if !r.link.IsOpen() {
		return Result{}, ErrNotConnected
	}

	req = Normalize(req)
	mask, truncated := req.Filter.Clamp(reader18.MaxMaskBits)
	if truncated {
		r.log.Debug().Int("bits", req.Filter.Bits).Int("max", reader18.MaxMaskBits).Msg("filter truncated")
	}

	cmd := reader18.ReadDataCommand(r.link.Address(), reader18.ReadParams{
		Bank:     byte(req.Bank),
		WordPtr:  byte(req.WordPtr),
		Words:    byte(req.Words),
		Password: req.Password,
		Mask:     mask,
	})
	frame, err := r.link.Exchange(ctx, cmd, 0)
	if err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			return Result{}, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return Result{}, err
	}

	if frame.Status != reader18.StatusSuccess {
		rejected := &DeviceRejectedError{Status: frame.Status}
		if code, ok := reader18.TagErrorCode(frame); ok {
			rejected.TagCode = code
		}
		return Result{}, rejected
	}
	data, err := reader18.ParseReadData(frame)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", transport.ErrMalformedResponse, err)
	}

	return Result{
		Data:      data,
		Hex:       strings.ToUpper(hex.EncodeToString(data)),
		Bank:      req.Bank,
		WordPtr:   req.WordPtr,
		Words:     req.Words,
		Filter:    mask.Hex(),
		Truncated: truncated,
	}, nil
}

// Normalize clamps the request to what the reader accepts.
func Normalize(req Request) Request {
	req.Bank = clamp(req.Bank, BankReserved, BankUser)
	req.WordPtr = clamp(req.WordPtr, 0, MaxWordPtr)
	req.Words = clamp(req.Words, 1, MaxWords)
	return req
}

// ParsePassword reads an 8-hex-digit access password. Anything else yields the
// zero password.
func ParsePassword(s string) [4]byte {
	var pwd [4]byte
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return pwd
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return pwd
	}
	copy(pwd[:], b)
	return pwd
}

// ParseMask reads a hex EPC filter.
func ParseMask(s string) (reader18.Mask, error) {
	return reader18.ParseMask(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
