package sdk

import (
	"context"
	"errors"
	"fmt"

	"h906bridge/internal/inventory"
	"h906bridge/internal/regions"
	"h906bridge/internal/tagread"
)

// SetPower clamps power to 0..33 dBm and writes it.
func (c *Client) SetPower(ctx context.Context, power int) Result {
	if err := c.ensureLive(ctx); err != nil {
		return failed("connect failed", err)
	}
	sent, err := c.store.SetPower(ctx, power)
	if err != nil {
		return failed("set power failed", err)
	}
	snap := c.store.Snapshot()
	return ok("", PowerData{
		Power:   sent,
		Region:  regions.Label(snap.Region.Band),
		Session: snap.Session,
		QValue:  snap.QValue,
	})
}

func (a ReadArgs) request() (tagread.Request, error) {
	req := tagread.Request{
		Bank:    tagread.BankEPC,
		WordPtr: DefaultReadWordPtr,
		Words:   DefaultReadLen,
	}
	if a.Bank != nil {
		req.Bank = *a.Bank
	}
	if a.WordPtr != nil {
		req.WordPtr = *a.WordPtr
	}
	if a.Len != nil {
		req.Words = *a.Len
	}
	password := a.Password
	if password == "" {
		password = DefaultReadPassword
	}
	req.Password = tagread.ParsePassword(password)

	mask, err := tagread.ParseMask(a.EPC)
	if err != nil {
		return tagread.Request{}, err
	}
	req.Filter = mask
	return req, nil
}

// ReadSingleTag reads a window of one tag's memory, by default words 2..7 of
// the EPC bank. A non-empty EPC restricts the read to tags starting with it.
func (c *Client) ReadSingleTag(ctx context.Context, args ReadArgs) Result {
	req, err := args.request()
	if err != nil {
		return failed("invalid epc filter", err)
	}
	if err := c.ensureLive(ctx); err != nil {
		return failed("connect failed", err)
	}

	res, err := c.reader.ReadMemory(ctx, req)
	if err != nil {
		var rejected *tagread.DeviceRejectedError
		if errors.As(err, &rejected) {
			return Result{
				Code:    CodeFor(err),
				Message: fmt.Sprintf("read failed, err=%d", rejected.TagCode),
				Error:   err.Error(),
			}
		}
		return failed("read failed", err)
	}
	return ok("", ReadData{
		Hex:       res.Hex,
		Mem:       res.Bank,
		WordPtr:   res.WordPtr,
		Len:       res.Words,
		EPCFilter: res.Filter,
		Truncated: res.Truncated,
	})
}

// StartInventory launches continuous inventory. A second start while one is
// running succeeds with "already running" and changes nothing.
func (c *Client) StartInventory(ctx context.Context, args StartArgs) Result {
	opts, err := args.options()
	if err != nil {
		return failed("invalid epc filter", err)
	}

	current, err := c.engine.Start(ctx, opts)
	var connectErr *inventory.ConnectFailedError
	switch {
	case errors.Is(err, inventory.ErrAlreadyRunning):
		return ok("already running", nil)
	case errors.As(err, &connectErr):
		return failed("connect failed", err)
	case err != nil:
		return failed("start failed", err)
	}
	return ok("started", current)
}

// StopInventory ends the running inventory. Stopping an idle engine reports
// "not running" with success=false and code 0.
func (c *Client) StopInventory(ctx context.Context) Result {
	err := c.engine.Stop(ctx)
	switch {
	case errors.Is(err, inventory.ErrNotRunning):
		return Result{Message: "not running"}
	case err != nil:
		return failed("stop failed", err)
	}
	return ok("stopped", nil)
}

