package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"h906bridge/internal/events"
	"h906bridge/internal/params"
	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/tagread"
	"h906bridge/internal/transport"
)

var (
	ErrAlreadyRunning = errors.New("inventory: already running")
	ErrNotRunning     = errors.New("inventory: not running")
)

// ConnectFailedError is returned by Start when the implicit reconnect fails.
type ConnectFailedError struct {
	Err error
}

func (e *ConnectFailedError) Error() string {
	return "inventory: connect failed: " + e.Err.Error()
}

func (e *ConnectFailedError) Unwrap() error { return e.Err }

const (
	DefaultPollInterval     = 20 * time.Millisecond
	DefaultMaxCycleFailures = 5
	DefaultTIDWords         = 6
)

// Link is the part of transport.Session the engine drives.
type Link interface {
	Stream(ctx context.Context, cmd []byte, timeout time.Duration, fn func(reader18.Frame) error) error
	ProbeLiveness(ctx context.Context) bool
	Address() byte
}

type ParamStore interface {
	Get(ctx context.Context) (params.ReaderParameters, error)
	Set(ctx context.Context, patch params.Patch) (params.ReaderParameters, error)
}

type MemoryReader interface {
	ReadMemory(ctx context.Context, req tagread.Request) (tagread.Result, error)
}

type Emitter interface {
	Emit(events.Event)
}

// Connector re-establishes the link when Start finds it dead.
type Connector interface {
	Reconnect(ctx context.Context) error
}

type ConnectorFunc func(ctx context.Context) error

func (f ConnectorFunc) Reconnect(ctx context.Context) error { return f(ctx) }

// Options are per-session overrides. Nil parameter pointers keep what the
// reader currently holds.
type Options struct {
	QValue   *int
	Session  *int
	Antenna  *int
	ScanTime *int

	IncludeTID bool
	TIDWordPtr int
	TIDWords   int

	// Filter restricts the inventory to EPCs starting with these bits.
	Filter reader18.Mask

	// InlineWordPtr/InlineWords ask the reader to append TID words to every
	// inventory record; they surface as TagObservation.Mem.
	InlineWordPtr int
	InlineWords   int
}

func (o Options) patch() params.Patch {
	return params.Patch{QValue: o.QValue, Session: o.Session, Antenna: o.Antenna, ScanTime: o.ScanTime}
}

func normalizeOptions(o Options) Options {
	o.TIDWordPtr = clamp(o.TIDWordPtr, 0, 255)
	if o.TIDWords <= 0 {
		o.TIDWords = DefaultTIDWords
	}
	o.TIDWords = clamp(o.TIDWords, 1, 64)
	o.InlineWordPtr = clamp(o.InlineWordPtr, 0, 255)
	o.InlineWords = clamp(o.InlineWords, 0, 16)
	o.Filter, _ = o.Filter.Clamp(reader18.MaxMaskBits)
	return o
}

type Config struct {
	PollInterval     time.Duration
	MaxCycleFailures int
	// CycleSlack is added to the reader scan window to get the cycle timeout.
	CycleSlack time.Duration
	Logger     zerolog.Logger
}

func normalizeConfig(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxCycleFailures <= 0 {
		cfg.MaxCycleFailures = DefaultMaxCycleFailures
	}
	if cfg.CycleSlack <= 0 {
		cfg.CycleSlack = transport.DefaultExchangeTimeout
	}
	return cfg
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	}
	return "idle"
}

// Stats captures current inventory counters.
type Stats struct {
	Running       bool      `json:"running"`
	State         string    `json:"state"`
	Rounds        int       `json:"rounds"`
	UniqueTags    int       `json:"uniqueTags"`
	TotalReads    int       `json:"totalReads"`
	Filtered      int       `json:"filtered"`
	LastTagEPC    string    `json:"lastEpc,omitempty"`
	TIDFailures   int       `json:"tidFailures"`
	CycleFailures int       `json:"cycleFailures"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
}

// Engine runs at most one inventory loop against one reader.
type Engine struct {
	link      Link
	store     ParamStore
	reader    MemoryReader
	sink      Emitter
	connector Connector
	cfg       Config
	log       zerolog.Logger

	seen *tagCache

	mu            sync.Mutex
	state         state
	inventoryDone chan struct{}
	cancelInv     context.CancelFunc
	rounds        int
	totalReads    int
	filtered      int
	tidFailures   int
	cycleFailures int
	lastTagEPC    string
	startedAt     time.Time
}

func New(link Link, store ParamStore, reader MemoryReader, sink Emitter, connector Connector, cfg Config) *Engine {
	cfg = normalizeConfig(cfg)
	return &Engine{
		link:      link,
		store:     store,
		reader:    reader,
		sink:      sink,
		connector: connector,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "inventory").Logger(),
		seen:      newTagCache(),
	}
}

// Start validates the link, applies parameter overrides and launches the
// polling goroutine. The loop outlives ctx; only Stop or a fatal link error
// ends it.
func (e *Engine) Start(ctx context.Context, opts Options) (params.ReaderParameters, error) {
	e.mu.Lock()
	if e.state != stateIdle {
		e.mu.Unlock()
		return params.ReaderParameters{}, ErrAlreadyRunning
	}
	e.state = stateStarting
	e.mu.Unlock()

	abort := func(err error) (params.ReaderParameters, error) {
		e.mu.Lock()
		e.state = stateIdle
		e.mu.Unlock()
		return params.ReaderParameters{}, err
	}

	if !e.link.ProbeLiveness(ctx) {
		if e.connector == nil {
			return abort(&ConnectFailedError{Err: transport.ErrNotOpen})
		}
		e.log.Info().Msg("link not responsive, reconnecting")
		if err := e.connector.Reconnect(ctx); err != nil {
			return abort(&ConnectFailedError{Err: err})
		}
	}

	var (
		current params.ReaderParameters
		err     error
	)
	if patch := opts.patch(); patch == (params.Patch{}) {
		current, err = e.store.Get(ctx)
	} else {
		current, err = e.store.Set(ctx, patch)
	}
	if err != nil {
		return abort(fmt.Errorf("apply inventory parameters: %w", err))
	}

	run := newRun(e.link.Address(), normalizeOptions(opts), current, e.cfg)
	invCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.state = stateRunning
	e.inventoryDone = make(chan struct{})
	e.cancelInv = cancel
	e.rounds = 0
	e.totalReads = 0
	e.filtered = 0
	e.tidFailures = 0
	e.cycleFailures = 0
	e.lastTagEPC = ""
	e.startedAt = time.Now()
	done := e.inventoryDone
	e.mu.Unlock()
	e.seen.Reset()

	e.log.Info().
		Int("q", current.QValue).
		Int("session", current.Session).
		Int("antenna", current.Antenna).
		Int("scan_time", current.ScanTime).
		Str("filter", run.opts.Filter.Hex()).
		Bool("tid", run.opts.IncludeTID).
		Msg("inventory started")

	go e.inventoryRun(invCtx, run, done)
	return current, nil
}

// Stop ends the loop and waits for its goroutine to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case stateIdle, stateStarting:
		e.mu.Unlock()
		return ErrNotRunning
	case stateStopping:
		done := e.inventoryDone
		e.mu.Unlock()
		return wait(ctx, done)
	}
	e.state = stateStopping
	cancel := e.cancelInv
	done := e.inventoryDone
	e.cancelInv = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := wait(ctx, done); err != nil {
		return err
	}
	e.log.Info().Msg("inventory stopped")
	return nil
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop is active and emitting.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Running:       e.state == stateRunning,
		State:         e.state.String(),
		Rounds:        e.rounds,
		UniqueTags:    e.seen.Size(),
		TotalReads:    e.totalReads,
		Filtered:      e.filtered,
		LastTagEPC:    e.lastTagEPC,
		TIDFailures:   e.tidFailures,
		CycleFailures: e.cycleFailures,
		StartedAt:     e.startedAt,
	}
}

func (e *Engine) finishInventoryRun(done chan struct{}, fatal error) {
	e.mu.Lock()
	e.state = stateIdle
	e.inventoryDone = nil
	cancel := e.cancelInv
	e.cancelInv = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(done)

	if fatal != nil {
		e.log.Error().Err(fatal).Msg("inventory loop stopped")
		e.sink.Emit(events.Stopped())
	}
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
