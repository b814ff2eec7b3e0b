package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// SinkCapacity is how many chunks a sink buffers before the producer blocks.
	SinkCapacity = 100

	maxTicketAttempts = 8
)

var (
	// ErrUnknownTicket means no sink is registered for the ticket: it was
	// never issued, or its download already ended.
	ErrUnknownTicket = errors.New("relay: unknown ticket")
	// ErrTicketBusy means another producer already claimed the ticket.
	ErrTicketBusy = errors.New("relay: ticket already has a producer")
	// ErrTicketSpaceExhausted means every generated ticket collided with an open one.
	ErrTicketSpaceExhausted = errors.New("relay: could not mint a unique ticket")
)

// Ticket is the single-use identifier tying a download to the bytes an agent pushes.
type Ticket string

// Sink is the bounded buffer behind one ticket. The agent upload is the only
// producer and the download stream the only consumer.
type Sink struct {
	chunks chan []byte

	claimed atomic.Bool

	finishOnce sync.Once
	finished   chan struct{}
	finishErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func newSink(capacity int) *Sink {
	return &Sink{
		chunks:   make(chan []byte, capacity),
		finished: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (s *Sink) finish(err error) {
	s.finishOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.finishErr = err
		close(s.finished)
	})
}

func (s *Sink) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// TableOption customises a Table.
type TableOption func(*Table)

// WithTicketGenerator overrides how tickets are minted.
func WithTicketGenerator(gen func() Ticket) TableOption {
	return func(t *Table) {
		if gen != nil {
			t.newTicket = gen
		}
	}
}

// WithSinkCapacity overrides SinkCapacity.
func WithSinkCapacity(n int) TableOption {
	return func(t *Table) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// Table maps open tickets to their sinks.
type Table struct {
	mu        sync.RWMutex
	sinks     map[Ticket]*Sink
	newTicket func() Ticket
	capacity  int
}

// NewTable returns an empty correlation table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		sinks:     make(map[Ticket]*Sink),
		newTicket: func() Ticket { return Ticket(uuid.NewString()) },
		capacity:  SinkCapacity,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open mints a fresh ticket and installs an empty sink for it.
func (t *Table) Open() (Ticket, *Sink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < maxTicketAttempts; attempt++ {
		ticket := t.newTicket()
		if ticket == "" {
			continue
		}
		if _, taken := t.sinks[ticket]; taken {
			continue
		}
		sink := newSink(t.capacity)
		t.sinks[ticket] = sink
		return ticket, sink, nil
	}
	return "", nil, ErrTicketSpaceExhausted
}

func (t *Table) lookup(ticket Ticket) (*Sink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sink, ok := t.sinks[ticket]
	return sink, ok
}

// Claim attaches the caller as the ticket's only producer.
func (t *Table) Claim(ticket Ticket) error {
	sink, ok := t.lookup(ticket)
	if !ok {
		return ErrUnknownTicket
	}
	if !sink.claimed.CompareAndSwap(false, true) {
		return ErrTicketBusy
	}
	return nil
}

// Route delivers one chunk to the ticket's sink, in call order. It blocks while
// the sink is full and gives up with ErrUnknownTicket once the download ends.
func (t *Table) Route(ctx context.Context, ticket Ticket, chunk []byte) error {
	sink, ok := t.lookup(ticket)
	if !ok {
		return ErrUnknownTicket
	}

	select {
	case <-sink.closed:
		return ErrUnknownTicket
	case <-sink.finished:
		return ErrUnknownTicket
	default:
	}

	select {
	case sink.chunks <- chunk:
		return nil
	case <-sink.closed:
		return ErrUnknownTicket
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish marks the end of the pushed data. Buffered chunks are still delivered.
func (t *Table) Finish(ticket Ticket) error {
	return t.Fail(ticket, nil)
}

// Fail ends the stream with err instead of a clean end-of-stream.
func (t *Table) Fail(ticket Ticket, err error) error {
	sink, ok := t.lookup(ticket)
	if !ok {
		return ErrUnknownTicket
	}
	sink.finish(err)
	return nil
}

// Close removes the ticket and releases its sink. Closing twice is a no-op.
func (t *Table) Close(ticket Ticket) {
	t.mu.Lock()
	sink, ok := t.sinks[ticket]
	delete(t.sinks, ticket)
	t.mu.Unlock()

	if ok {
		sink.close()
	}
}

// Len returns the number of open tickets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}
