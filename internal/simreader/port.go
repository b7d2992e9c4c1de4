package simreader

import (
	"sync"
	"time"

	"h906bridge/internal/protocol/reader18"
)

// Port is one open handle on a Device. It satisfies transport.Port.
type Port struct {
	dev  *Device
	baud int

	mu          sync.Mutex
	in          []byte
	out         []byte
	readTimeout time.Duration
	closed      bool
	failed      bool

	signal   chan struct{}
	closedCh chan struct{}
}

func newPort(dev *Device, baud int) *Port {
	return &Port{
		dev:         dev,
		baud:        baud,
		readTimeout: 50 * time.Millisecond,
		signal:      make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
	}
}

func (p *Port) Baud() int { return p.baud }

func (p *Port) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// Write feeds bytes to the device; complete frames are answered immediately.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed || p.failed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	p.in = append(p.in, b...)
	frames, rest, _ := reader18.ParseRequests(p.in)
	p.in = rest
	p.mu.Unlock()

	var reply []byte
	for _, frame := range frames {
		reply = append(reply, p.dev.handle(p.baud, frame)...)
	}
	if len(reply) > 0 {
		p.mu.Lock()
		p.out = append(p.out, reply...)
		p.mu.Unlock()
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
	return len(b), nil
}

// Read blocks until data arrives or the read timeout elapses, in which case it
// returns (0, nil) like a real serial port.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed || p.failed {
			p.mu.Unlock()
			return 0, ErrPortClosed
		}
		if len(p.out) > 0 {
			n := copy(b, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-p.closedCh:
		case <-deadline.C:
			return 0, nil
		}
	}
}

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()
	p.dev.release(p)
	return nil
}

// fail simulates the device disappearing underneath an open handle.
func (p *Port) fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed || p.closed {
		return
	}
	p.failed = true
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
