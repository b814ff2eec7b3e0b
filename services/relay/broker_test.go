package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://relay.test"

type recordedEvent struct {
	subject string
	payload map[string]any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload, _ := v.(map[string]any)
	p.events = append(p.events, recordedEvent{subject: subject, payload: payload})
	return nil
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

type brokerFixture struct {
	broker   *Broker
	registry *Registry
	table    *Table
	metrics  *Metrics
	events   *fakePublisher
}

func newBrokerFixture(t *testing.T, idle time.Duration, opts ...TableOption) *brokerFixture {
	t.Helper()
	f := &brokerFixture{
		registry: NewRegistry(),
		table:    NewTable(opts...),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		events:   &fakePublisher{},
	}
	broker, err := NewBroker(f.registry, f.table, BrokerConfig{
		BaseURL:     testBaseURL + "/",
		IdleTimeout: idle,
	}, f.metrics, f.events, zerolog.Nop())
	require.NoError(t, err)
	f.broker = broker
	return f
}

func ticketFromCallback(t *testing.T, callback string) Ticket {
	t.Helper()
	require.True(t, strings.HasPrefix(callback, testBaseURL+"/upload/"), callback)
	return Ticket(strings.TrimPrefix(callback, testBaseURL+"/upload/"))
}

func drain(t *testing.T, stream *Stream) ([]string, error) {
	t.Helper()
	var chunks []string
	for {
		chunk, err := stream.Next(context.Background())
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, string(chunk))
	}
}

func TestBrokerDownloadFromOnlineAgent(t *testing.T) {
	f := newBrokerFixture(t, time.Second)

	link := &fakeLink{}
	link.onSend = func(cmd UploadCommand) {
		ticket := ticketFromCallback(t, cmd.CallbackAddress)
		go func() {
			ctx := context.Background()
			assert.NoError(t, f.table.Claim(ticket))
			assert.NoError(t, f.table.Route(ctx, ticket, []byte("ab")))
			assert.NoError(t, f.table.Route(ctx, ticket, []byte("cd")))
			assert.NoError(t, f.table.Finish(ticket))
		}()
	}
	f.registry.Register(42, link)

	stream, err := f.broker.Download(context.Background(), 42, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.table.Len())

	chunks, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"ab", "cd"}, chunks)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	cmds := link.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "f1", cmds[0].FileID)
	assert.Equal(t, f.broker.CallbackAddress(stream.Ticket), cmds[0].CallbackAddress)

	assert.Zero(t, f.table.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.downloads.WithLabelValues(resultComplete)))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.bytesRelayed))
	assert.Zero(t, testutil.ToFloat64(f.metrics.openTickets))
	assert.Equal(t, []string{downloadStartedSubject, downloadFinishedSubject}, f.events.subjects())
}

func TestBrokerDownloadFromOfflineAgent(t *testing.T) {
	var minted int
	f := newBrokerFixture(t, time.Second, WithTicketGenerator(func() Ticket {
		minted++
		return "unused"
	}))
	f.registry.Register(42, &fakeLink{})

	stream, err := f.broker.Download(context.Background(), 7, "f1")
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, ErrAgentOffline)

	assert.Zero(t, minted)
	assert.Zero(t, f.table.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.downloads.WithLabelValues(resultOffline)))
	assert.Empty(t, f.events.subjects())
}

func TestBrokerLinkSendFailure(t *testing.T) {
	f := newBrokerFixture(t, time.Second)
	f.registry.Register(42, &fakeLink{err: errors.New("broken pipe")})

	stream, err := f.broker.Download(context.Background(), 42, "f1")
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, ErrLinkUnavailable)

	assert.Zero(t, f.table.Len())
	assert.Zero(t, testutil.ToFloat64(f.metrics.openTickets))
	assert.Empty(t, f.events.subjects())
}

func TestBrokerIdleTimeout(t *testing.T) {
	f := newBrokerFixture(t, 30*time.Millisecond)
	f.registry.Register(42, &fakeLink{})

	stream, err := f.broker.Download(context.Background(), 42, "slow.html")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrDownloadTimeout)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrDownloadTimeout)

	require.NoError(t, stream.Close())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.downloads.WithLabelValues(resultTimeout)))
}

func TestBrokerAgentReportsFailure(t *testing.T) {
	f := newBrokerFixture(t, time.Second)
	agentErr := errors.New("agent: no such file")

	link := &fakeLink{}
	link.onSend = func(cmd UploadCommand) {
		ticket := ticketFromCallback(t, cmd.CallbackAddress)
		assert.NoError(t, f.table.Claim(ticket))
		assert.NoError(t, f.table.Fail(ticket, agentErr))
	}
	f.registry.Register(42, link)

	stream, err := f.broker.Download(context.Background(), 42, "missing.html")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, agentErr)
}

func TestBrokerCallerGoesAway(t *testing.T) {
	f := newBrokerFixture(t, time.Second)
	f.registry.Register(42, &fakeLink{})

	stream, err := f.broker.Download(context.Background(), 42, "f1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	ticket := stream.Ticket
	require.NoError(t, stream.Close())

	// A late upload for the abandoned download is dropped.
	assert.ErrorIs(t, f.table.Route(context.Background(), ticket, []byte("late")), ErrUnknownTicket)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.downloads.WithLabelValues(resultAbandoned)))
}

func TestBrokerProducerContextErrorIsAgentFailure(t *testing.T) {
	f := newBrokerFixture(t, time.Second)

	link := &fakeLink{}
	link.onSend = func(cmd UploadCommand) {
		ticket := ticketFromCallback(t, cmd.CallbackAddress)
		assert.NoError(t, f.table.Claim(ticket))
		assert.NoError(t, f.table.Route(context.Background(), ticket, []byte("ab")))
		assert.NoError(t, f.table.Fail(ticket, fmt.Errorf("upload interrupted: %w", context.Canceled)))
	}
	f.registry.Register(42, link)

	stream, err := f.broker.Download(context.Background(), 42, "f1")
	require.NoError(t, err)

	chunks, err := drain(t, stream)
	assert.Equal(t, []string{"ab"}, chunks)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, stream.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.downloads.WithLabelValues(resultError)))
	assert.Zero(t, testutil.ToFloat64(f.metrics.downloads.WithLabelValues(resultAbandoned)))
}

func TestStreamNextAfterClose(t *testing.T) {
	f := newBrokerFixture(t, time.Second)
	f.registry.Register(42, &fakeLink{})

	stream, err := f.broker.Download(context.Background(), 42, "f1")
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestBrokerOneTicketPerDownload(t *testing.T) {
	f := newBrokerFixture(t, time.Second)
	f.registry.Register(42, &fakeLink{})

	const n = 16
	streams := make([]*Stream, 0, n)
	seen := make(map[Ticket]bool, n)
	for i := 0; i < n; i++ {
		stream, err := f.broker.Download(context.Background(), 42, "f1")
		require.NoError(t, err)
		assert.False(t, seen[stream.Ticket])
		seen[stream.Ticket] = true
		streams = append(streams, stream)
	}
	assert.Equal(t, n, f.table.Len())
	assert.Equal(t, float64(n), testutil.ToFloat64(f.metrics.openTickets))

	for _, s := range streams {
		require.NoError(t, s.Close())
	}
	assert.Zero(t, f.table.Len())
	assert.Zero(t, testutil.ToFloat64(f.metrics.openTickets))
}

func TestNewBrokerValidates(t *testing.T) {
	registry := NewRegistry()
	table := NewTable()

	_, err := NewBroker(nil, table, BrokerConfig{BaseURL: testBaseURL}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewBroker(registry, nil, BrokerConfig{BaseURL: testBaseURL}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewBroker(registry, table, BrokerConfig{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	b, err := NewBroker(registry, table, BrokerConfig{BaseURL: testBaseURL}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultIdleTimeout, b.config.IdleTimeout)
	assert.Equal(t, testBaseURL+"/upload/a%2Fb", b.CallbackAddress("a/b"))
}
