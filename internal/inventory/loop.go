package inventory

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"h906bridge/internal/events"
	"h906bridge/internal/params"
	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/tagread"
	"h906bridge/internal/transport"
)

// run is the immutable state of one inventory session, owned by the loop.
type run struct {
	opts     Options
	command  []byte
	memBytes int
	timeout  time.Duration
	interval time.Duration
}

func newRun(address byte, opts Options, p params.ReaderParameters, cfg Config) *run {
	return &run{
		opts: opts,
		command: reader18.InventoryG2Command(address, reader18.InventoryParams{
			QValue:     byte(p.QValue),
			Session:    byte(p.Session),
			Mask:       opts.Filter,
			MemWordPtr: byte(opts.InlineWordPtr),
			MemWords:   byte(opts.InlineWords),
			Target:     byte(p.Target),
			Antenna:    byte(p.Antenna),
			ScanTime:   byte(p.ScanTime),
		}),
		memBytes: opts.InlineWords * 2,
		timeout:  time.Duration(p.ScanTime)*100*time.Millisecond + cfg.CycleSlack,
		interval: cfg.PollInterval,
	}
}

func (e *Engine) inventoryRun(ctx context.Context, r *run, done chan struct{}) {
	var fatal error
	defer func() { e.finishInventoryRun(done, fatal) }()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := e.cycle(ctx, r)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return
		case errors.Is(err, transport.ErrLinkClosed):
			fatal = err
			return
		default:
			failures++
			e.mu.Lock()
			e.cycleFailures++
			e.mu.Unlock()
			e.log.Warn().Err(err).Int("consecutive", failures).Msg("inventory cycle failed")
			if failures >= e.cfg.MaxCycleFailures {
				fatal = fmt.Errorf("%d consecutive cycle failures: %w", failures, err)
				return
			}
		}

		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs one inventory exchange and handles every tag it reported.
func (e *Engine) cycle(ctx context.Context, r *run) error {
	e.mu.Lock()
	e.rounds++
	e.mu.Unlock()

	var tags []reader18.InventoryTag
	err := e.link.Stream(ctx, r.command, r.timeout, func(frame reader18.Frame) error {
		if frame.Status == reader18.StatusNoTag {
			return nil
		}
		if !reader18.CarriesTags(frame.Status) {
			return &reader18.StatusError{Command: frame.Command, Status: frame.Status}
		}
		parsed, err := reader18.ParseInventoryG2Tags(frame, r.memBytes)
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrMalformedResponse, err)
		}
		tags = append(tags, parsed...)
		return nil
	})
	if err != nil {
		return err
	}

	// TID sub-reads need the link, so they run after the stream completes.
	for _, tag := range tags {
		if err := e.handleTag(ctx, r, tag); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleTag(ctx context.Context, r *run, tag reader18.InventoryTag) error {
	if !r.opts.Filter.Matches(tag.EPC) {
		e.mu.Lock()
		e.filtered++
		e.mu.Unlock()
		return nil
	}

	epc := strings.ToUpper(hex.EncodeToString(tag.EPC))
	if epc == "" {
		return nil
	}
	obs := events.TagObservation{
		EPC:     epc,
		RSSI:    tag.RSSI,
		Antenna: tag.Antenna,
		When:    time.Now(),
		IsNew:   e.seen.Add(epc),
	}
	if len(tag.Mem) > 0 {
		obs.Mem = strings.ToUpper(hex.EncodeToString(tag.Mem))
	}

	if r.opts.IncludeTID && len(tag.EPC) >= 2 {
		if tid, ok := e.seen.TID(epc); ok {
			obs.TID = tid
		} else {
			res, err := e.reader.ReadMemory(ctx, tagread.Request{
				Bank:    tagread.BankTID,
				WordPtr: r.opts.TIDWordPtr,
				Words:   r.opts.TIDWords,
				Filter:  reader18.MaskForEPC(tag.EPC),
			})
			switch {
			case err == nil:
				obs.TID = res.Hex
				e.seen.SetTID(epc, res.Hex)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				e.mu.Lock()
				e.tidFailures++
				e.mu.Unlock()
				e.log.Debug().Err(err).Str("epc", epc).Msg("tid read failed")
			}
		}
	}

	e.mu.Lock()
	e.totalReads++
	e.lastTagEPC = epc
	emit := e.state == stateRunning
	e.mu.Unlock()

	if emit {
		e.sink.Emit(events.Tag(obs))
	}
	return nil
}
