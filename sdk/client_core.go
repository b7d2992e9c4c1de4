package sdk

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"h906bridge/internal/events"
	"h906bridge/internal/inventory"
	"h906bridge/internal/params"
	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/tagread"
	"h906bridge/internal/transport"
)

const (
	DefaultPort = "/dev/ttyHSL0"
)

// DefaultBauds are tried in order on every connect.
var DefaultBauds = []int{115200, 57600}

// PowerSwitch toggles the reader module's supply. Failures are logged and
// never fail the operation that triggered them.
type PowerSwitch interface {
	Enable(on bool) error
}

// Options configure a Client.
type Options struct {
	Port            string
	Bauds           []int
	Address         byte
	ExchangeTimeout time.Duration
	ProbeTimeout    time.Duration

	// Defaults are driven to the reader after every connect.
	Defaults    params.ReaderParameters
	ApplyRegion bool

	PollInterval     time.Duration
	MaxCycleFailures int
	EventQueue       int

	// Opener replaces the serial port, e.g. with a simulator.
	Opener transport.PortOpener

	Power                PowerSwitch
	PowerOffOnDisconnect bool

	Logger zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Port:     DefaultPort,
		Bauds:    append([]int(nil), DefaultBauds...),
		Address:  reader18.BroadcastReaderAddress,
		Defaults: params.Defaults(),
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Port == "" {
		opts.Port = DefaultPort
	}
	if len(opts.Bauds) == 0 {
		opts.Bauds = append([]int(nil), DefaultBauds...)
	}
	if opts.Defaults == (params.ReaderParameters{}) {
		opts.Defaults = params.Defaults()
	}
	return opts
}

// Client is the caller-facing facade over one H906 reader. Every operation
// returns a Result; errors never escape as panics.
type Client struct {
	opts Options
	log  zerolog.Logger

	session *transport.Session
	store   *params.Store
	reader  *tagread.Reader
	engine  *inventory.Engine
	sink    *events.Sink

	reconnects singleflight.Group
	startedAt  time.Time
}

func NewClient(opts Options) *Client {
	opts = normalizeOptions(opts)
	c := &Client{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "sdk").Logger(),
		startedAt: time.Now(),
	}
	c.session = transport.NewSession(transport.Options{
		Address:         opts.Address,
		ExchangeTimeout: opts.ExchangeTimeout,
		ProbeTimeout:    opts.ProbeTimeout,
		Opener:          opts.Opener,
		Logger:          opts.Logger,
	})
	c.store = params.New(c.session, opts.Defaults, opts.Logger)
	c.reader = tagread.New(c.session, opts.Logger)
	c.sink = events.NewSink(opts.EventQueue, opts.Logger)
	c.engine = inventory.New(c.session, c.store, c.reader, c.sink, inventory.ConnectorFunc(c.reconnect), inventory.Config{
		PollInterval:     opts.PollInterval,
		MaxCycleFailures: opts.MaxCycleFailures,
		Logger:           opts.Logger,
	})
	return c
}

// Close stops inventory, releases the link and shuts the event dispatcher.
func (c *Client) Close() {
	c.Disconnect(context.Background())
	c.sink.Close()
}

func (c *Client) Stats() Stats {
	return Stats{
		Connection: c.session.State(),
		Link:       c.session.Stats(),
		Inventory:  c.engine.Stats(),
		Events:     c.sink.Stats(),
		Parameters: c.store.Snapshot(),
		Uptime:     time.Since(c.startedAt),
	}
}
