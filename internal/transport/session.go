package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"h906bridge/internal/protocol/reader18"
)

var (
	ErrNoResponsiveBaud  = errors.New("transport: no responsive baud rate")
	ErrTimeout           = errors.New("transport: response timeout")
	ErrLinkClosed        = errors.New("transport: link closed")
	ErrMalformedResponse = errors.New("transport: malformed response")

	// ErrNotOpen is returned when no link is open. It matches ErrLinkClosed.
	ErrNotOpen = fmt.Errorf("%w: not open", ErrLinkClosed)
)

const (
	DefaultExchangeTimeout = 1500 * time.Millisecond
	DefaultProbeTimeout    = 600 * time.Millisecond

	// readSlice bounds one blocking Read so the read loop notices Close.
	readSlice = 50 * time.Millisecond
	// maxGarbage is how many unframeable bytes one exchange tolerates.
	maxGarbage = 512
)

// ConnectionState is a snapshot of the link.
type ConnectionState struct {
	Open     bool   `json:"open"`
	BaudRate int    `json:"baud,omitempty"`
	Port     string `json:"port,omitempty"`
}

// Stats are cumulative link counters.
type Stats struct {
	FramesSent     uint64 `json:"framesSent"`
	FramesReceived uint64 `json:"framesReceived"`
	BytesDropped   uint64 `json:"bytesDropped"`
	Timeouts       uint64 `json:"timeouts"`
}

// Options configure a Session.
type Options struct {
	Address         byte
	ExchangeTimeout time.Duration
	ProbeTimeout    time.Duration
	Opener          PortOpener
	Logger          zerolog.Logger
}

type link struct {
	path    string
	baud    int
	port    Port
	packets chan []byte
	errs    chan error
	done    chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		_ = l.port.Close()
	})
}

// drain discards bytes the reader sent outside of an exchange.
func (l *link) drain() int {
	n := 0
	for {
		select {
		case data := <-l.packets:
			n += len(data)
		default:
			return n
		}
	}
}

// Session owns one serial link to the reader. Exchanges are serialised; the
// session never reconnects on its own.
type Session struct {
	opts Options
	log  zerolog.Logger

	mu   sync.RWMutex
	link *link

	ioMu sync.Mutex

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	timeouts atomic.Uint64
}

func NewSession(opts Options) *Session {
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Opener == nil {
		opts.Opener = SerialOpener
	}
	return &Session{
		opts: opts,
		log:  opts.Logger.With().Str("component", "transport").Logger(),
	}
}

// Address is the reader address used in every command.
func (s *Session) Address() byte {
	return s.opts.Address
}

// Open tries each baud in order and keeps the first one that answers a
// parameter read. An already open link is closed first.
func (s *Session) Open(ctx context.Context, path string, bauds []int) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("transport: empty port path")
	}
	if len(bauds) == 0 {
		return 0, fmt.Errorf("transport: no baud candidates")
	}
	s.Close()

	var lastErr error
	for _, baud := range bauds {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		port, err := s.opts.Opener(path, baud)
		if err != nil {
			lastErr = err
			s.log.Debug().Err(err).Str("port", path).Int("baud", baud).Msg("open failed")
			continue
		}

		l := s.attach(path, baud, port)
		if _, err := s.exchange(ctx, l, reader18.GetReadParameterCommand(s.opts.Address), s.opts.ProbeTimeout, firstFrame); err != nil {
			lastErr = err
			s.detach(l)
			s.log.Debug().Err(err).Str("port", path).Int("baud", baud).Msg("probe failed")
			continue
		}

		s.log.Info().Str("port", path).Int("baud", baud).Msg("link open")
		return baud, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no attempt made")
	}
	return 0, fmt.Errorf("%w on %s: %w", ErrNoResponsiveBaud, path, lastErr)
}

func (s *Session) attach(path string, baud int, port Port) *link {
	l := &link{
		path:    path,
		baud:    baud,
		port:    port,
		packets: make(chan []byte, 256),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.link = l
	s.mu.Unlock()

	go s.readLoop(l)
	return l
}

func (s *Session) detach(l *link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()
	l.close()
}

func (s *Session) readLoop(l *link) {
	defer close(l.done)

	buf := make([]byte, 256)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			if !l.closing.Load() {
				select {
				case l.errs <- err:
				default:
				}
			}
			return
		}
		if n <= 0 {
			if l.closing.Load() {
				return
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case l.packets <- data:
		default:
			s.dropped.Add(uint64(n))
		}
	}
}

func (s *Session) current() *link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

// Exchange sends one command and returns the first response frame for it.
// A zero timeout uses the session default.
func (s *Session) Exchange(ctx context.Context, cmd []byte, timeout time.Duration) (reader18.Frame, error) {
	l := s.current()
	if l == nil {
		return reader18.Frame{}, ErrNotOpen
	}
	return s.exchange(ctx, l, cmd, timeout, firstFrame)
}

// Stream sends one command and calls fn for every response frame while the
// reader signals that more data follows.
func (s *Session) Stream(ctx context.Context, cmd []byte, timeout time.Duration, fn func(reader18.Frame) error) error {
	l := s.current()
	if l == nil {
		return ErrNotOpen
	}
	_, err := s.exchange(ctx, l, cmd, timeout, func(frame reader18.Frame) (bool, error) {
		if err := fn(frame); err != nil {
			return false, err
		}
		return frame.Status == reader18.StatusMoreData, nil
	})
	return err
}

func firstFrame(reader18.Frame) (bool, error) {
	return false, nil
}

func (s *Session) exchange(ctx context.Context, l *link, cmd []byte, timeout time.Duration, next func(reader18.Frame) (bool, error)) (reader18.Frame, error) {
	if len(cmd) < reader18.MinFrameLen {
		return reader18.Frame{}, fmt.Errorf("transport: command too short")
	}
	if timeout <= 0 {
		timeout = s.opts.ExchangeTimeout
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if stale := l.drain(); stale > 0 {
		s.dropped.Add(uint64(stale))
	}
	if _, err := l.port.Write(cmd); err != nil {
		s.detach(l)
		return reader18.Frame{}, fmt.Errorf("%w: write: %v", ErrLinkClosed, err)
	}
	s.sent.Add(1)

	reqAddr, reqCmd := cmd[1], cmd[2]
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		pending []byte
		garbage int
		last    reader18.Frame
	)
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
			s.timeouts.Add(1)
			return last, fmt.Errorf("%w: %s after %s", ErrTimeout, reader18.CommandName(reqCmd), timeout)
		case err := <-l.errs:
			s.detach(l)
			s.log.Warn().Err(err).Str("port", l.path).Msg("link lost")
			return last, fmt.Errorf("%w: %v", ErrLinkClosed, err)
		case <-l.done:
			s.detach(l)
			return last, ErrLinkClosed
		case data := <-l.packets:
			pending = append(pending, data...)
			frames, rest, dropped := reader18.ParseFrames(pending)
			pending = rest
			if dropped > 0 {
				s.dropped.Add(uint64(dropped))
				garbage += dropped
				if garbage > maxGarbage {
					return last, fmt.Errorf("%w: %d unframeable bytes", ErrMalformedResponse, garbage)
				}
			}
			for _, frame := range frames {
				s.received.Add(1)
				if frame.Command != reqCmd {
					continue
				}
				if reqAddr != reader18.BroadcastReaderAddress && frame.Address != reqAddr {
					continue
				}
				last = frame
				more, err := next(frame)
				if err != nil {
					return last, err
				}
				if !more {
					return last, nil
				}
				timer.Reset(timeout)
			}
		}
	}
}

// ProbeLiveness issues a parameter read; any decodable reply means the reader
// is alive. A failed probe closes the link.
func (s *Session) ProbeLiveness(ctx context.Context) bool {
	l := s.current()
	if l == nil {
		return false
	}
	_, err := s.exchange(ctx, l, reader18.GetReadParameterCommand(s.opts.Address), s.opts.ProbeTimeout, firstFrame)
	if err == nil {
		return true
	}
	if ctx.Err() == nil {
		s.log.Info().Err(err).Str("port", l.path).Msg("liveness probe failed")
		s.detach(l)
	}
	return false
}

// Close releases the link. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()
	if l == nil {
		return
	}

	l.close()
	select {
	case <-l.done:
	case <-time.After(1200 * time.Millisecond):
	}
	s.log.Info().Str("port", l.path).Msg("link closed")
}

func (s *Session) IsOpen() bool {
	return s.current() != nil
}

func (s *Session) State() ConnectionState {
	l := s.current()
	if l == nil {
		return ConnectionState{}
	}
	return ConnectionState{Open: true, BaudRate: l.baud, Port: l.path}
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesSent:     s.sent.Load(),
		FramesReceived: s.received.Load(),
		BytesDropped:   s.dropped.Load(),
		Timeouts:       s.timeouts.Load(),
	}
}
