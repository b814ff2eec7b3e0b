package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"filerelay/pkg/agentproto"
)

// DefaultIdleTimeout bounds how long a download waits for the next chunk.
const DefaultIdleTimeout = 2 * time.Minute

const linkSendTimeout = 10 * time.Second

var (
	// ErrAgentOffline means the requested agent has no live link.
	ErrAgentOffline = errors.New("relay: agent offline")
	// ErrLinkUnavailable means the agent was registered but the command could not be delivered.
	ErrLinkUnavailable = errors.New("relay: agent link unavailable")
	// ErrDownloadTimeout means the agent sent nothing within the idle timeout.
	ErrDownloadTimeout = errors.New("relay: timed out waiting for agent data")
	// ErrStreamClosed is returned by Next after the stream was closed.
	ErrStreamClosed = errors.New("relay: stream closed")
)

// Publisher receives download and presence lifecycle events. It may be nil.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// BrokerConfig controls a Broker.
type BrokerConfig struct {
	// BaseURL is the externally reachable root the agent uploads back to.
	BaseURL     string
	IdleTimeout time.Duration
}

// Broker turns a download request into an upload command and hands back the
// resulting byte stream.
type Broker struct {
	registry *Registry
	table    *Table
	config   BrokerConfig
	metrics  *Metrics
	events   Publisher
	logger   zerolog.Logger
}

// NewBroker wires a Broker. metrics and events may be nil.
func NewBroker(registry *Registry, table *Table, cfg BrokerConfig, metrics *Metrics, events Publisher, logger zerolog.Logger) (*Broker, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if table == nil {
		return nil, errors.New("correlation table is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Broker{
		registry: registry,
		table:    table,
		config:   cfg,
		metrics:  metrics,
		events:   events,
		logger:   logger,
	}, nil
}

// CallbackAddress is where the agent must push the bytes for ticket.
func (b *Broker) CallbackAddress(ticket Ticket) string {
	return b.config.BaseURL + agentproto.UploadPathPrefix + url.PathEscape(string(ticket))
}

// Download asks agentID to push fileID and returns the stream that will carry
// it. ErrAgentOffline is returned without touching the correlation table.
func (b *Broker) Download(ctx context.Context, agentID int64, fileID string) (*Stream, error) {
	link, ok := b.registry.Get(agentID)
	if !ok {
		b.metrics.download(resultOffline)
		return nil, ErrAgentOffline
	}

	ticket, sink, err := b.table.Open()
	if err != nil {
		b.metrics.download(resultError)
		return nil, err
	}
	b.metrics.ticketOpened()

	stream := &Stream{
		broker:  b,
		Ticket:  ticket,
		AgentID: agentID,
		FileID:  fileID,
		sink:    sink,
		started: time.Now(),
	}

	cmd := UploadCommand{FileID: fileID, CallbackAddress: b.CallbackAddress(ticket)}
	sendCtx, cancel := context.WithTimeout(ctx, linkSendTimeout)
	defer cancel()
	if err := link.SendUpload(sendCtx, cmd); err != nil {
		stream.result = resultOffline
		stream.Close()
		b.logger.Warn().Err(err).Int64("agent_id", agentID).Str("file_id", fileID).Msg("upload command not delivered")
		return nil, fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}

	b.logger.Debug().
		Int64("agent_id", agentID).
		Str("file_id", fileID).
		Str("ticket", string(ticket)).
		Msg("upload requested")
	b.publish(ctx, downloadStartedSubject, map[string]any{
		"ticket":   ticket,
		"agent_id": agentID,
		"file_id":  fileID,
	})

	return stream, nil
}

func (b *Broker) publish(ctx context.Context, subject string, payload map[string]any) {
	if b.events == nil {
		return
	}
	if err := b.events.Publish(context.WithoutCancel(ctx), subject, payload); err != nil {
		b.logger.Debug().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// Stream is the finite, non-restartable sequence of chunks for one download.
// Callers must Close it; Close releases the ticket.
type Stream struct {
	broker  *Broker
	Ticket  Ticket
	AgentID int64
	FileID  string

	sink    *Sink
	started time.Time

	mu     sync.Mutex
	done   error
	bytes  int64
	result string

	closeOnce sync.Once
}

// Next blocks until the next chunk arrives. It returns io.EOF once the agent
// has finished, the agent's error if it aborted, ErrDownloadTimeout when the
// agent goes quiet for longer than the idle timeout, or ctx's error.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil, s.done
	}

	timer := time.NewTimer(s.broker.config.IdleTimeout)
	defer timer.Stop()

	select {
	case chunk := <-s.sink.chunks:
		s.bytes += int64(len(chunk))
		return chunk, nil
	case <-s.sink.finished:
		// Everything routed before Finish is already buffered.
		select {
		case chunk := <-s.sink.chunks:
			s.bytes += int64(len(chunk))
			return chunk, nil
		default:
		}
		return nil, s.end(s.sink.finishErr)
	case <-s.sink.closed:
		return nil, s.end(ErrStreamClosed)
	case <-timer.C:
		return nil, s.end(ErrDownloadTimeout)
	case <-ctx.Done():
		// Only the caller's own context counts as abandoned.
		s.done, s.result = ctx.Err(), resultAbandoned
		return nil, s.done
	}
}

func (s *Stream) end(err error) error {
	s.done = err
	switch {
	case errors.Is(err, io.EOF):
		s.result = resultComplete
	case errors.Is(err, ErrDownloadTimeout):
		s.result = resultTimeout
	case errors.Is(err, ErrStreamClosed):
		s.result = resultAbandoned
	default:
		s.result = resultError
	}
	return err
}

// Close releases the ticket. Pushes that arrive afterwards see ErrUnknownTicket.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		b := s.broker
		b.table.Close(s.Ticket)
		b.metrics.ticketClosed()

		s.mu.Lock()
		result := s.result
		if result == "" {
			result = resultAbandoned
		}
		transferred := s.bytes
		s.mu.Unlock()

		b.metrics.download(result)
		b.metrics.relayed(transferred)
		b.logger.Debug().
			Str("ticket", string(s.Ticket)).
			Str("result", result).
			Int64("bytes", transferred).
			Dur("elapsed", time.Since(s.started)).
			Msg("download closed")
		if result != resultOffline {
			b.publish(context.Background(), downloadFinishedSubject, map[string]any{
				"ticket":   s.Ticket,
				"agent_id": s.AgentID,
				"file_id":  s.FileID,
				"result":   result,
				"bytes":    transferred,
			})
		}
	})
	return nil
}
