package params

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/transport"
)

const (
	MinPower = 0
	MaxPower = 33

	// AntennaAuto lets the reader cycle its ports.
	AntennaAuto = 0x80
)

// Exchanger is the part of transport.Session the store needs.
type Exchanger interface {
	Exchange(ctx context.Context, cmd []byte, timeout time.Duration) (reader18.Frame, error)
	Address() byte
}

// Region is a band code plus the channel window inside it.
type Region struct {
	Band       int `json:"band" yaml:"band"`
	MinChannel int `json:"minChannel" yaml:"min_channel"`
	MaxChannel int `json:"maxChannel" yaml:"max_channel"`
}

// ReaderParameters mirrors the reader's volatile configuration.
type ReaderParameters struct {
	QValue   int    `json:"qValue"`
	Session  int    `json:"session"`
	Target   int    `json:"target"`
	Antenna  int    `json:"antenna"`
	ScanTime int    `json:"scanTime"`
	Region   Region `json:"region"`
	Power    int    `json:"power"`
}

// TargetName renders Target as the Gen2 inventoried flag.
func (p ReaderParameters) TargetName() string {
	if p.Target == 1 {
		return "B"
	}
	return "A"
}

// Patch names the fields Set should change. Nil fields are left alone.
type Patch struct {
	QValue   *int
	Session  *int
	Target   *int
	Antenna  *int
	ScanTime *int
	Region   *Region
}

func (p Patch) empty() bool {
	return p.QValue == nil && p.Session == nil && p.Target == nil && p.Antenna == nil && p.ScanTime == nil && p.Region == nil
}

// Defaults are the values the reader is driven to after connect.
func Defaults() ReaderParameters {
	return ReaderParameters{
		QValue:   4,
		Session:  0,
		Target:   0,
		Antenna:  AntennaAuto,
		ScanTime: 10,
		Region:   Region{Band: 4, MinChannel: 0, MaxChannel: 14},
		Power:    30,
	}
}

// Store is the in-memory mirror of reader parameters. Every write is a
// read-modify-write against the device.
type Store struct {
	link     Exchanger
	defaults ReaderParameters
	log      zerolog.Logger

	// rmw serialises read-modify-write sequences.
	rmw sync.Mutex

	mu      sync.RWMutex
	current ReaderParameters
}

func New(link Exchanger, defaults ReaderParameters, logger zerolog.Logger) *Store {
	defaults = Normalize(defaults)
	return &Store{
		link:     link,
		defaults: defaults,
		current:  defaults,
		log:      logger.With().Str("component", "params").Logger(),
	}
}

// Get reads the parameter block and reader info, refreshing the mirror.
func (s *Store) Get(ctx context.Context) (ReaderParameters, error) {
	s.rmw.Lock()
	defer s.rmw.Unlock()
	return s.read(ctx)
}

func (s *Store) read(ctx context.Context) (ReaderParameters, error) {
	frame, err := s.call(ctx, reader18.GetReadParameterCommand(s.link.Address()))
	if err != nil {
		return ReaderParameters{}, err
	}
	block, err := reader18.ParseReadParameter(frame)
	if err != nil {
		return ReaderParameters{}, malformed(err)
	}

	frame, err = s.call(ctx, reader18.GetReaderInfoCommand(s.link.Address()))
	if err != nil {
		return ReaderParameters{}, err
	}
	info, err := reader18.ParseReaderInfo(frame)
	if err != nil {
		return ReaderParameters{}, malformed(err)
	}

	p := ReaderParameters{
		QValue:   int(block.QValue),
		Session:  int(block.Session),
		Target:   int(block.Target),
		Antenna:  int(block.Antenna),
		ScanTime: int(block.ScanTime),
		Region: Region{
			Band:       int(info.Band),
			MinChannel: int(info.MinChannel),
			MaxChannel: int(info.MaxChannel),
		},
		Power: int(info.Power),
	}
	s.store(p)
	return p, nil
}

// Set applies the supplied fields on top of what the reader currently holds.
// The region is only written when the patch names one.
func (s *Store) Set(ctx context.Context, patch Patch) (ReaderParameters, error) {
	s.rmw.Lock()
	defer s.rmw.Unlock()

	cur, err := s.read(ctx)
	if err != nil {
		return ReaderParameters{}, fmt.Errorf("read current parameters: %w", err)
	}
	if patch.empty() {
		return cur, nil
	}

	next := Normalize(Apply(cur, patch))
	block := reader18.ReadParameter{
		QValue:   byte(next.QValue),
		Session:  byte(next.Session),
		Target:   byte(next.Target),
		Antenna:  byte(next.Antenna),
		ScanTime: byte(next.ScanTime),
	}
	if _, err := s.call(ctx, reader18.SetReadParameterCommand(s.link.Address(), block)); err != nil {
		return ReaderParameters{}, fmt.Errorf("write parameters: %w", err)
	}

	if patch.Region != nil {
		r := next.Region
		cmd := reader18.SetRegionCommand(s.link.Address(), byte(r.Band), byte(r.MaxChannel), byte(r.MinChannel))
		if _, err := s.call(ctx, cmd); err != nil {
			return ReaderParameters{}, fmt.Errorf("write region: %w", err)
		}
	}

	s.store(next)
	s.log.Debug().
		Int("q", next.QValue).
		Int("session", next.Session).
		Int("antenna", next.Antenna).
		Int("scan_time", next.ScanTime).
		Msg("parameters written")
	return next, nil
}

// SetPower clamps p to [MinPower, MaxPower] and writes it. It returns the value sent.
func (s *Store) SetPower(ctx context.Context, p int) (int, error) {
	p = ClampPower(p)

	s.rmw.Lock()
	defer s.rmw.Unlock()

	if _, err := s.call(ctx, reader18.SetOutputPowerCommand(s.link.Address(), byte(p))); err != nil {
		return p, fmt.Errorf("set power: %w", err)
	}

	s.mu.Lock()
	s.current.Power = p
	s.mu.Unlock()
	return p, nil
}

// ApplyDefaults drives Q and session to their configured defaults.
func (s *Store) ApplyDefaults(ctx context.Context) (ReaderParameters, error) {
	q, session := s.defaults.QValue, s.defaults.Session
	return s.Set(ctx, Patch{QValue: &q, Session: &session})
}

// ApplyRegion writes the configured default region.
func (s *Store) ApplyRegion(ctx context.Context) (ReaderParameters, error) {
	r := s.defaults.Region
	return s.Set(ctx, Patch{Region: &r})
}

// Reset puts the mirror back to defaults without touching the device.
func (s *Store) Reset() {
	s.store(s.defaults)
}

func (s *Store) Snapshot() ReaderParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) store(p ReaderParameters) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

func (s *Store) call(ctx context.Context, cmd []byte) (reader18.Frame, error) {
	frame, err := s.link.Exchange(ctx, cmd, 0)
	if err != nil {
		return frame, err
	}
	if err := reader18.CheckStatus(frame); err != nil {
		return frame, err
	}
	return frame, nil
}

func malformed(err error) error {
	var statusErr *reader18.StatusError
	if errors.As(err, &statusErr) {
		return err
	}
	return fmt.Errorf("%w: %w", transport.ErrMalformedResponse, err)
}

// Apply copies the non-nil fields of patch onto p.
func Apply(p ReaderParameters, patch Patch) ReaderParameters {
	if patch.QValue != nil {
		p.QValue = *patch.QValue
	}
	if patch.Session != nil {
		p.Session = *patch.Session
	}
	if patch.Target != nil {
		p.Target = *patch.Target
	}
	if patch.Antenna != nil {
		p.Antenna = *patch.Antenna
	}
	if patch.ScanTime != nil {
		p.ScanTime = *patch.ScanTime
	}
	if patch.Region != nil {
		p.Region = *patch.Region
	}
	return p
}

// Normalize clamps every field into the range the reader accepts.
func Normalize(p ReaderParameters) ReaderParameters {
	p.QValue = clamp(p.QValue, 0, 15)
	p.Session = clamp(p.Session, 0, 3)
	p.Target = clamp(p.Target, 0, 1)
	p.Antenna = ClampAntenna(p.Antenna)
	p.ScanTime = clamp(p.ScanTime, 0, 255)
	p.Region.Band = clamp(p.Region.Band, 0, 15)
	p.Region.MinChannel = clamp(p.Region.MinChannel, 0, 63)
	p.Region.MaxChannel = clamp(p.Region.MaxChannel, 0, 63)
	if p.Region.MinChannel > p.Region.MaxChannel {
		p.Region.MinChannel = p.Region.MaxChannel
	}
	p.Power = ClampPower(p.Power)
	return p
}

// ClampAntenna keeps 0..127 as a port mask; anything else means auto.
func ClampAntenna(v int) int {
	if v < 0 || v > 0x7F {
		return AntennaAuto
	}
	return v
}

func ClampPower(p int) int {
	return clamp(p, MinPower, MaxPower)
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
