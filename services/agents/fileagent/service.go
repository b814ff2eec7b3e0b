package fileagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"filerelay/pkg/agentproto"
)

const (
	handshakeWait = 15 * time.Second
	readWait      = 90 * time.Second
	writeWait     = 10 * time.Second
)

// ErrRejected means the relay refused the sign-in.
var ErrRejected = errors.New("fileagent: sign-in rejected")

// Config holds the agent's runtime settings.
type Config struct {
	RelayURL       string        `env:"AGENT_RELAY_URL,required"`
	UniqueID       string        `env:"AGENT_UNIQUE_ID,required"`
	Root           string        `env:"AGENT_ROOT,default=."`
	Compress       bool          `env:"AGENT_COMPRESS,default=false"`
	ReconnectDelay time.Duration `env:"AGENT_RECONNECT_DELAY,default=5s"`
}

// LoadConfig reads Config from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Service keeps a link open to the relay and serves files from a local
// directory whenever the relay asks for one.
type Service struct {
	config     Config
	connectURL string
	relayHost  string
	client     *http.Client
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	agentID atomic.Int64
	uploads sync.WaitGroup
}

// NewService validates cfg and returns a Service. client may be nil.
func NewService(cfg Config, client *http.Client, logger zerolog.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.UniqueID) == "" {
		return nil, errors.New("fileagent: unique id is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("fileagent: resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("fileagent: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fileagent: root %s is not a directory", root)
	}
	cfg.Root = root
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	connectURL, relayHost, err := connectEndpoint(cfg.RelayURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}

	return &Service{
		config:     cfg,
		connectURL: connectURL,
		relayHost:  relayHost,
		client:     client,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeWait, Proxy: http.ProxyFromEnvironment},
		logger:     logger.With().Str("unique_id", cfg.UniqueID).Logger(),
	}, nil
}

// connectEndpoint turns the relay base URL into its WebSocket connect URL.
func connectEndpoint(raw string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("fileagent: parse relay url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("fileagent: unsupported relay url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("fileagent: relay url %q has no host", raw)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = agentproto.ConnectPath
	}
	return parsed.String(), parsed.Host, nil
}

// AgentID returns the id the relay assigned at the last sign-in, or 0.
func (s *Service) AgentID() int64 {
	return s.agentID.Load()
}

// Run keeps the agent connected until ctx is cancelled, reconnecting after
// every dropped link. Rejected sign-ins are not retried.
func (s *Service) Run(ctx context.Context) error {
	defer s.uploads.Wait()

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		s.logger.Warn().Err(err).Dur("retry_in", s.config.ReconnectDelay).Msg("relay link lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.ReconnectDelay):
		}
	}
}

func (s *Service) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.connectURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent stopping"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer stop()

	if err := s.signIn(conn); err != nil {
		return err
	}
	defer s.agentID.Store(0)

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		var msg agentproto.Frame
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		switch msg.Type {
		case agentproto.TypeUploadTo:
			s.uploads.Add(1)
			go func() {
				defer s.uploads.Done()
				s.upload(ctx, msg.FileID, msg.Callback)
			}()
		case agentproto.TypeError:
			s.logger.Warn().Str("message", msg.Message).Msg("relay reported an error")
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("ignoring relay frame")
		}
	}
}

func (s *Service) signIn(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(agentproto.SignIn(s.config.UniqueID)); err != nil {
		return fmt.Errorf("send sign-in: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var reply agentproto.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read sign-in reply: %w", err)
	}
	switch reply.Type {
	case agentproto.TypeSignedIn:
		s.agentID.Store(reply.AgentID)
		s.logger.Info().Int64("agent_id", reply.AgentID).Msg("signed in to relay")
		return nil
	case agentproto.TypeError:
		return fmt.Errorf("%w: %s", ErrRejected, reply.Message)
	default:
		return fmt.Errorf("unexpected sign-in reply %q", reply.Type)
	}
}

// resolve maps a requested file id onto a path below root.
func resolve(root, fileID string) (string, error) {
	name := filepath.FromSlash(strings.TrimSpace(fileID))
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("file %q is outside the served directory", fileID)
	}
	return filepath.Join(root, name), nil
}

func (s *Service) upload(ctx context.Context, fileID, callback string) {
	log := s.logger.With().Str("file_id", fileID).Logger()

	if err := s.checkCallback(callback); err != nil {
		log.Warn().Err(err).Msg("refusing upload")
		return
	}

	path, openErr := resolve(s.config.Root, fileID)
	var file *os.File
	if openErr == nil {
		file, openErr = openRegular(path)
	}
	if openErr != nil {
		log.Info().Err(openErr).Msg("cannot serve requested file")
		if err := s.post(ctx, callback, http.NoBody, openErr.Error(), false); err != nil {
			log.Warn().Err(err).Msg("report upload failure")
		}
		return
	}
	defer file.Close()

	var body io.Reader = file
	if s.config.Compress {
		pr, pw := io.Pipe()
		go func() {
			enc, err := zstd.NewWriter(pw)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(enc, file); err != nil {
				_ = enc.Close()
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(enc.Close())
		}()
		defer pr.Close()
		body = pr
	}

	start := time.Now()
	if err := s.post(ctx, callback, body, "", s.config.Compress); err != nil {
		log.Warn().Err(err).Msg("upload failed")
		return
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("upload complete")
}

func openRegular(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, fmt.Errorf("%s is not a regular file", filepath.Base(path))
	}
	return file, nil
}

// checkCallback only lets the agent push to the relay it is connected to.
func (s *Service) checkCallback(callback string) error {
	parsed, err := url.Parse(callback)
	if err != nil {
		return fmt.Errorf("parse callback: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("callback scheme %q not allowed", parsed.Scheme)
	}
	if !strings.EqualFold(parsed.Host, s.relayHost) {
		return fmt.Errorf("callback host %q does not match relay %q", parsed.Host, s.relayHost)
	}
	return nil
}

func (s *Service) post(ctx context.Context, callback string, body io.Reader, failure string, compressed bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if failure != "" {
		agentproto.SetUploadError(req.Header, failure)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("post upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("post upload unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain response body: %w", err)
	}
	return nil
}
