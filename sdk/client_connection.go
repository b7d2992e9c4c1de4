package sdk

import (
	"context"
	"errors"

	"h906bridge/internal/events"
	"h906bridge/internal/inventory"
)

// Connect opens the serial link, trying each configured baud, and drives the
// reader to the default parameters. A running inventory is stopped first.
func (c *Client) Connect(ctx context.Context) Result {
	c.stopInventory(ctx)
	baud, err := c.connect(ctx)
	if err != nil {
		return failed("connect failed", err)
	}
	return Result{Success: true, Message: "connected", Baud: baud}
}

// IsConnected probes the reader. A dead link is silently re-established;
// concurrent callers share one reconnect attempt.
func (c *Client) IsConnected(ctx context.Context) bool {
	return c.ensureLive(ctx) == nil
}

// Disconnect stops inventory and closes the link. It always succeeds.
func (c *Client) Disconnect(ctx context.Context) Result {
	c.stopInventory(ctx)
	wasOpen := c.session.IsOpen()
	c.session.Close()
	if c.opts.PowerOffOnDisconnect {
		c.power(false)
	}
	if wasOpen {
		c.sink.Emit(events.Connection(false, 0))
	}
	return ok("disconnected", nil)
}

func (c *Client) reconnect(ctx context.Context) error {
	_, err, shared := c.reconnects.Do("connect", func() (any, error) {
		return c.connect(ctx)
	})
	if shared {
		c.log.Debug().Msg("joined in-flight reconnect")
	}
	return err
}

// ensureLive probes the link and reconnects when the reader does not answer.
func (c *Client) ensureLive(ctx context.Context) error {
	if c.session.ProbeLiveness(ctx) {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) connect(ctx context.Context) (int, error) {
	c.power(true)

	baud, err := c.session.Open(ctx, c.opts.Port, c.opts.Bauds)
	if err != nil {
		c.log.Warn().Err(err).Str("port", c.opts.Port).Msg("connect failed")
		return 0, err
	}

	c.store.Reset()
	if _, err := c.store.ApplyDefaults(ctx); err != nil {
		c.log.Warn().Err(err).Msg("default parameters not applied")
	}
	if c.opts.ApplyRegion {
		if _, err := c.store.ApplyRegion(ctx); err != nil {
			c.log.Warn().Err(err).Msg("region not applied")
		}
	}

	c.log.Info().Str("port", c.opts.Port).Int("baud", baud).Msg("reader connected")
	c.sink.Emit(events.Connection(true, baud))
	return baud, nil
}

func (c *Client) stopInventory(ctx context.Context) {
	if err := c.engine.Stop(ctx); err != nil && !errors.Is(err, inventory.ErrNotRunning) {
		c.log.Warn().Err(err).Msg("stop inventory")
	}
}

func (c *Client) power(on bool) {
	if c.opts.Power == nil {
		return
	}
	if err := c.opts.Power.Enable(on); err != nil {
		c.log.Debug().Err(err).Bool("on", on).Msg("power switch failed")
	}
}
