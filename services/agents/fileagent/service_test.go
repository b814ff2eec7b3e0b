package fileagent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filerelay/services/agentstore"
	"filerelay/services/relay"
)

type relayHarness struct {
	api    *relay.API
	server *httptest.Server
}

func newRelay(t *testing.T, store agentstore.Store) *relayHarness {
	t.Helper()

	var routes http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routes.ServeHTTP(w, r)
	}))

	api, err := relay.New(relay.Deps{Store: store, Logger: zerolog.Nop()}, relay.Config{
		BaseURL:     srv.URL,
		IdleTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	routes, err = api.Routes()
	require.NoError(t, err)

	t.Cleanup(func() {
		api.CloseLinks()
		srv.Close()
	})
	return &relayHarness{api: api, server: srv}
}

func startAgent(t *testing.T, h *relayHarness, cfg Config) *Service {
	t.Helper()

	cfg.RelayURL = h.server.URL
	if cfg.UniqueID == "" {
		cfg.UniqueID = "agent-under-test"
	}
	cfg.ReconnectDelay = 50 * time.Millisecond

	svc, err := NewService(cfg, h.server.Client(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})

	require.Eventually(t, func() bool {
		id := svc.AgentID()
		return id != 0 && h.api.Registry().IsOnline(id)
	}, 5*time.Second, 10*time.Millisecond)
	return svc
}

func download(t *testing.T, h *relayHarness, agentID int64, fileID string) (int, string) {
	t.Helper()
	resp, err := h.server.Client().Get(h.server.URL + "/download/" + strconv.FormatInt(agentID, 10) + "/" + fileID)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestDownloadServedByAgent(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("<p>relay</p>\n", 20000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(content), 0o644))

	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			h := newRelay(t, agentstore.NewMemory())
			svc := startAgent(t, h, Config{Root: root, Compress: compress})

			status, body := download(t, h, svc.AgentID(), "index.html")
			assert.Equal(t, http.StatusOK, status)
			assert.Equal(t, content, body)
		})
	}
}

func TestDownloadMissingFileIsBadGateway(t *testing.T) {
	h := newRelay(t, agentstore.NewMemory())
	svc := startAgent(t, h, Config{Root: t.TempDir()})

	status, _ := download(t, h, svc.AgentID(), "missing.html")
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestDownloadFromUnknownAgentIsNotFound(t *testing.T) {
	h := newRelay(t, agentstore.NewMemory())
	startAgent(t, h, Config{Root: t.TempDir()})

	status, body := download(t, h, 7, "index.html")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "requested resource not found, the server may not be connected", body)
}

func TestReconnectKeepsAgentID(t *testing.T) {
	store := agentstore.NewMemory()
	h := newRelay(t, store)
	svc := startAgent(t, h, Config{Root: t.TempDir()})
	first := svc.AgentID()

	h.api.CloseLinks()

	require.Eventually(t, func() bool {
		return h.api.Registry().IsOnline(first) && svc.AgentID() == first
	}, 5*time.Second, 10*time.Millisecond)
}

type failingStore struct{ agentstore.Store }

func (failingStore) FindByUniqueID(context.Context, string) (*agentstore.Agent, error) {
	return nil, agentstore.ErrPoolExhausted
}

func TestRejectedSignInStopsAgent(t *testing.T) {
	h := newRelay(t, failingStore{Store: agentstore.NewMemory()})

	svc, err := NewService(Config{
		RelayURL: h.server.URL,
		UniqueID: "agent-under-test",
		Root:     t.TempDir(),
	}, h.server.Client(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = svc.Run(ctx)
	require.True(t, errors.Is(err, ErrRejected), "got %v", err)
	assert.Zero(t, svc.AgentID())
}

func TestResolve(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "files")

	got, err := resolve(root, "docs/a.html")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "docs", "a.html"), got)

	for _, bad := range []string{"", "  ", "../etc/passwd", "/etc/passwd", "docs/../../x"} {
		_, err := resolve(root, bad)
		assert.Error(t, err, bad)
	}
}

func TestConnectEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://relay:8080", want: "ws://relay:8080/agents/connect"},
		{in: "https://relay.example.com/", want: "wss://relay.example.com/agents/connect"},
		{in: "wss://relay.example.com/custom", want: "wss://relay.example.com/custom"},
		{in: "ftp://relay", wantErr: true},
		{in: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, _, err := connectEndpoint(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckCallback(t *testing.T) {
	svc := &Service{relayHost: "relay:8080"}

	require.NoError(t, svc.checkCallback("http://relay:8080/upload/abc"))
	require.Error(t, svc.checkCallback("http://elsewhere:8080/upload/abc"))
	require.Error(t, svc.checkCallback("file:///etc/passwd"))
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(Config{RelayURL: "http://relay", Root: t.TempDir()}, nil, zerolog.Nop())
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewService(Config{RelayURL: "http://relay", UniqueID: "a", Root: file}, nil, zerolog.Nop())
	require.Error(t, err)
}
