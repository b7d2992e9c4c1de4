package sdk

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/transport"
)

// ScanOptions controls serial port discovery.
type ScanOptions struct {
	Ports        []string
	Bauds        []int
	Address      byte
	ProbeTimeout time.Duration
	Concurrency  int
	Opener       transport.PortOpener
	Logger       zerolog.Logger
}

// Candidate is one probed serial port.
type Candidate struct {
	Port     string               `json:"port"`
	Baud     int                  `json:"baud,omitempty"`
	Verified bool                 `json:"verified"`
	Reason   string               `json:"reason,omitempty"`
	Info     *reader18.ReaderInfo `json:"info,omitempty"`
}

func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Bauds:        append([]int(nil), DefaultBauds...),
		Address:      reader18.BroadcastReaderAddress,
		ProbeTimeout: transport.DefaultProbeTimeout,
		Concurrency:  4,
	}
}

// ScanPorts probes every port (all enumerated ports when opts.Ports is empty)
// at each baud and reports which ones answer like a reader. Verified
// candidates sort first.
func ScanPorts(ctx context.Context, opts ScanOptions) ([]Candidate, error) {
	defaults := DefaultScanOptions()
	if len(opts.Bauds) == 0 {
		opts.Bauds = defaults.Bauds
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if len(opts.Ports) == 0 {
		ports, err := transport.ListPorts()
		if err != nil {
			return nil, err
		}
		opts.Ports = ports
	}

	candidates := make([]Candidate, len(opts.Ports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, port := range opts.Ports {
		i, port := i, port
		g.Go(func() error {
			candidates[i] = probePort(gctx, port, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidates, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Verified && !candidates[j].Verified
	})
	return candidates, ctx.Err()
}

func probePort(ctx context.Context, port string, opts ScanOptions) Candidate {
	session := transport.NewSession(transport.Options{
		Address:         opts.Address,
		ExchangeTimeout: opts.ProbeTimeout,
		ProbeTimeout:    opts.ProbeTimeout,
		Opener:          opts.Opener,
		Logger:          opts.Logger,
	})
	defer session.Close()

	baud, err := session.Open(ctx, port, opts.Bauds)
	if err != nil {
		return Candidate{Port: port, Reason: err.Error()}
	}

	candidate := Candidate{Port: port, Baud: baud, Verified: true, Reason: "parameter read answered"}
	frame, err := session.Exchange(ctx, reader18.GetReaderInfoCommand(session.Address()), 0)
	if err == nil && reader18.CheckStatus(frame) == nil {
		if info, err := reader18.ParseReaderInfo(frame); err == nil {
			candidate.Info = &info
		}
	}
	return candidate
}
