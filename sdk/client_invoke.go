package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Method names accepted by Invoke.
const (
	MethodConnect        = "connect"
	MethodIsConnected    = "isConnected"
	MethodDisconnect     = "disconnect"
	MethodSetPower       = "setPower"
	MethodReadSingleTag  = "readSingleTag"
	MethodStartInventory = "startInventory"
	MethodStopInventory  = "stopInventory"
	MethodStats          = "stats"
)

type handler func(c *Client, ctx context.Context, args json.RawMessage) Result

var methods = map[string]handler{
	MethodConnect: func(c *Client, ctx context.Context, _ json.RawMessage) Result {
		return c.Connect(ctx)
	},
	MethodIsConnected: func(c *Client, ctx context.Context, _ json.RawMessage) Result {
		return ok("", c.IsConnected(ctx))
	},
	MethodDisconnect: func(c *Client, ctx context.Context, _ json.RawMessage) Result {
		return c.Disconnect(ctx)
	},
	MethodSetPower: func(c *Client, ctx context.Context, raw json.RawMessage) Result {
		var args PowerArgs
		if err := decodeArgs(raw, &args); err != nil {
			return failed("invalid arguments", err)
		}
		if args.Power == nil {
			return Result{Code: CodeUnknownError, Message: "power is required"}
		}
		return c.SetPower(ctx, *args.Power)
	},
	MethodReadSingleTag: func(c *Client, ctx context.Context, raw json.RawMessage) Result {
		var args ReadArgs
		if err := decodeArgs(raw, &args); err != nil {
			return failed("invalid arguments", err)
		}
		return c.ReadSingleTag(ctx, args)
	},
	MethodStartInventory: func(c *Client, ctx context.Context, raw json.RawMessage) Result {
		var args StartArgs
		if err := decodeArgs(raw, &args); err != nil {
			return failed("invalid arguments", err)
		}
		return c.StartInventory(ctx, args)
	},
	MethodStopInventory: func(c *Client, ctx context.Context, _ json.RawMessage) Result {
		return c.StopInventory(ctx)
	},
	MethodStats: func(c *Client, _ context.Context, _ json.RawMessage) Result {
		return ok("", c.Stats())
	},
}

// Methods lists the names Invoke understands.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs a named operation with JSON arguments. It is the single entry
// point shared by the IPC and HTTP surfaces and never panics.
func (c *Client) Invoke(ctx context.Context, method string, args json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("method", method).Msg("invoke panicked")
			res = Result{Code: CodeUnknownError, Message: fmt.Sprintf("exception: %v", r)}
		}
	}()

	h, found := methods[strings.TrimSpace(method)]
	if !found {
		return Result{Code: CodeUnknownError, Message: "unknown method: " + method}
	}
	return h(c, ctx, args)
}

func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}
