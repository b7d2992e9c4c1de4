package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"h906bridge/internal/events"
	"h906bridge/internal/inventory"
	"h906bridge/internal/params"
	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/simreader"
	"h906bridge/internal/tagread"
	"h906bridge/internal/transport"
)

const simPath = "/dev/ttySIM0"

type harness struct {
	dev     *simreader.Device
	session *transport.Session
	sink    *events.Sink
	engine  *inventory.Engine
	events  chan events.Event
}

func newHarness(t *testing.T, connector inventory.Connector) *harness {
	t.Helper()
	dev := simreader.New()
	session := transport.NewSession(transport.Options{
		Address:         reader18.BroadcastReaderAddress,
		ExchangeTimeout: 150 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
		Opener:          dev.Opener(),
	})
	_, err := session.Open(context.Background(), simPath, []int{115200})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	sink := events.NewSink(4096, zerolog.Nop())
	t.Cleanup(sink.Close)
	ch := make(chan events.Event, 4096)
	sink.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})

	store := params.New(session, params.Defaults(), zerolog.Nop())
	reader := tagread.New(session, zerolog.Nop())
	engine := inventory.New(session, store, reader, sink, connector, inventory.Config{
		PollInterval:     5 * time.Millisecond,
		MaxCycleFailures: 2,
		CycleSlack:       150 * time.Millisecond,
	})
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	return &harness{dev: dev, session: session, sink: sink, engine: engine, events: ch}
}

func intPtr(v int) *int { return &v }

// fastOptions keeps the reader scan window at zero so muted cycles fail quickly.
func fastOptions() inventory.Options {
	return inventory.Options{ScanTime: intPtr(0)}
}

func (h *harness) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return events.Event{}
}

func (h *harness) waitStopped(t *testing.T) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Kind == events.KindStopped {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stopped event")
		}
	}
}

func TestCycleEmitsOrderedObservationsWithoutTID(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "E2801105", 0x50), simreader.MustTag("E201", "E2801106", 0x51))

	_, err := h.engine.Start(context.Background(), fastOptions())
	require.NoError(t, err)

	first, second := h.next(t), h.next(t)
	require.NoError(t, h.engine.Stop(context.Background()))

	want := []events.TagObservation{
		{EPC: "E200", RSSI: 0x50, Antenna: 1, IsNew: true},
		{EPC: "E201", RSSI: 0x51, Antenna: 1, IsNew: true},
	}
	got := []events.TagObservation{first.Tag, second.Tag}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(events.TagObservation{}, "When")); diff != "" {
		t.Fatalf("observations mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, h.dev.ReadCalls(), "no TID sub-read without includeTid")
}

func TestSecondStartIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "", 0x50))

	_, err := h.engine.Start(context.Background(), fastOptions())
	require.NoError(t, err)
	_, err = h.engine.Start(context.Background(), fastOptions())
	assert.ErrorIs(t, err, inventory.ErrAlreadyRunning)
	assert.True(t, h.engine.Running())
}

func TestStopWhileIdle(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.engine.Stop(context.Background()), inventory.ErrNotRunning)
}

func TestNoEventsAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "", 0x50), simreader.MustTag("E201", "", 0x51))

	_, err := h.engine.Start(context.Background(), fastOptions())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		h.next(t)
	}
	require.NoError(t, h.engine.Stop(context.Background()))
	assert.False(t, h.engine.Running())

	// Let the dispatcher flush whatever was queued before Stop returned.
	time.Sleep(50 * time.Millisecond)
	queued := len(h.events)
	calls := h.dev.InventoryCalls()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, queued, len(h.events), "events after stop")
	assert.Equal(t, calls, h.dev.InventoryCalls(), "inventory commands after stop")

	stats := h.engine.Stats()
	assert.Equal(t, 2, stats.UniqueTags)
	assert.GreaterOrEqual(t, stats.Rounds, 3)
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "", 0x50))

	for i := 0; i < 3; i++ {
		_, err := h.engine.Start(context.Background(), fastOptions())
		require.NoError(t, err)
		e := h.next(t)
		assert.True(t, e.Tag.IsNew, "seen set resets per session")
		require.NoError(t, h.engine.Stop(context.Background()))
		time.Sleep(50 * time.Millisecond)
		for len(h.events) > 0 {
			<-h.events
		}
	}
}

func TestTIDSubReadIsCachedPerSession(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(
		simreader.MustTag("E200", "E28011052000A1B2C3D4E5F6", 0x50),
		simreader.MustTag("E201", "E28011052000000000000001", 0x51),
	)

	opts := fastOptions()
	opts.IncludeTID = true
	_, err := h.engine.Start(context.Background(), opts)
	require.NoError(t, err)

	seen := map[string]string{}
	for i := 0; i < 8; i++ {
		e := h.next(t)
		seen[e.Tag.EPC] = e.Tag.TID
	}
	require.NoError(t, h.engine.Stop(context.Background()))

	assert.Equal(t, map[string]string{
		"E200": "E28011052000A1B2C3D4E5F6",
		"E201": "E28011052000000000000001",
	}, seen)
	assert.Equal(t, 2, h.dev.ReadCalls())
}

func TestTIDFailureStillEmits(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "E28011052000A1B2C3D4E5F6", 0x50))
	h.dev.FailTID("E200")

	opts := fastOptions()
	opts.IncludeTID = true
	_, err := h.engine.Start(context.Background(), opts)
	require.NoError(t, err)

	e := h.next(t)
	require.NoError(t, h.engine.Stop(context.Background()))
	assert.Equal(t, "E200", e.Tag.EPC)
	assert.Empty(t, e.Tag.TID)
	assert.GreaterOrEqual(t, h.engine.Stats().TIDFailures, 1)
}

func TestInlineMemory(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "E28011052000A1B2C3D4E5F6", 0x50))

	opts := fastOptions()
	opts.InlineWords = 2
	_, err := h.engine.Start(context.Background(), opts)
	require.NoError(t, err)

	e := h.next(t)
	require.NoError(t, h.engine.Stop(context.Background()))
	assert.Equal(t, "E200", e.Tag.EPC)
	assert.Equal(t, "E2801105", e.Tag.Mem)
}

func TestFilterLimitsObservations(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(
		simreader.MustTag("3000AAAA", "", 0x40),
		simreader.MustTag("E200BBBB", "", 0x50),
	)

	mask, err := reader18.ParseMask("E2")
	require.NoError(t, err)
	opts := fastOptions()
	opts.Filter = mask
	_, err = h.engine.Start(context.Background(), opts)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.Equal(t, "E200BBBB", h.next(t).Tag.EPC)
	}
	require.NoError(t, h.engine.Stop(context.Background()))
}

func TestOverridesAreWrittenReadModifyWrite(t *testing.T) {
	h := newHarness(t, nil)

	opts := fastOptions()
	opts.QValue = intPtr(7)
	opts.Antenna = intPtr(0x01)
	p, err := h.engine.Start(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, h.engine.Stop(context.Background()))

	assert.Equal(t, 7, p.QValue)
	assert.Equal(t, 0, p.ScanTime)
	assert.Equal(t, reader18.ReadParameter{QValue: 7, Session: 0, Antenna: 0x01, ScanTime: 0}, h.dev.Params())
}

func TestLinkLossIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "", 0x50))

	_, err := h.engine.Start(context.Background(), fastOptions())
	require.NoError(t, err)
	h.next(t)

	h.dev.Unplug()
	h.waitStopped(t)
	assert.Eventually(t, func() bool { return !h.engine.Running() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.engine.Stop(context.Background()), inventory.ErrNotRunning)
}

func TestRepeatedTimeoutsAreFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.SetTags(simreader.MustTag("E200", "", 0x50))

	_, err := h.engine.Start(context.Background(), fastOptions())
	require.NoError(t, err)
	h.next(t)

	h.dev.Mute(true)
	h.waitStopped(t)
	assert.Eventually(t, func() bool { return !h.engine.Running() }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.engine.Stats().CycleFailures, 2)
}

func TestStartReconnectsDeadLink(t *testing.T) {
	var h *harness
	reconnects := 0
	h = newHarness(t, inventory.ConnectorFunc(func(ctx context.Context) error {
		reconnects++
		_, err := h.session.Open(ctx, simPath, []int{115200})
		return err
	}))
	h.dev.SetTags(simreader.MustTag("E200", "", 0x50))
	h.session.Close()

	_, err := h.engine.Start(context.Background(), fastOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, "E200", h.next(t).Tag.EPC)
}

func TestStartFailsWhenReconnectFails(t *testing.T) {
	boom := errors.New("no device")
	h := newHarness(t, inventory.ConnectorFunc(func(context.Context) error { return boom }))
	h.session.Close()

	_, err := h.engine.Start(context.Background(), fastOptions())
	var connectErr *inventory.ConnectFailedError
	require.ErrorAs(t, err, &connectErr)
	assert.ErrorIs(t, err, boom)
	assert.False(t, h.engine.Running())

	// The failed start must leave the engine startable.
	assert.ErrorIs(t, h.engine.Stop(context.Background()), inventory.ErrNotRunning)
}
