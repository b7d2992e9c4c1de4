package sdk

import "h906bridge/internal/events"

// Subscribe installs fn as the only event subscriber, replacing any previous
// one. Events emitted while nobody is subscribed are dropped.
func (c *Client) Subscribe(fn events.Handler) string {
	return c.sink.Subscribe(fn)
}

// Unsubscribe detaches the subscriber with this id. A stale id is ignored.
func (c *Client) Unsubscribe(id string) bool {
	return c.sink.Unsubscribe(id)
}
