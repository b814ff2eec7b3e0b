package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"filerelay/pkg/agentproto"
	"filerelay/services/agentstore"
)

// handleAgentConnect upgrades an agent to a WebSocket link, signs it in, and
// keeps it registered until the connection drops.
func (a *API) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug().Err(err).Msg("agent websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	agent, err := a.signIn(r.Context(), conn)
	if err != nil {
		a.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("agent sign-in rejected")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(agentproto.Error(err.Error()))
		_ = conn.Close()
		return
	}

	link := newWSLink(agent.ID, conn)
	if err := link.write(r.Context(), agentproto.Frame{Type: agentproto.TypeSignedIn, AgentID: agent.ID, UniqueID: agent.UniqueID}); err != nil {
		_ = conn.Close()
		return
	}

	if previous, ok := a.registry.Register(agent.ID, link).(*wsLink); ok {
		previous.close(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	a.metrics.setAgentsOnline(a.registry.Len())
	log := a.logger.With().Int64("agent_id", agent.ID).Str("unique_id", agent.UniqueID).Logger()
	log.Info().Int("online", a.registry.Len()).Msg("agent connected")
	a.publish(r.Context(), agentConnectedSubject, map[string]any{"agent_id": agent.ID, "unique_id": agent.UniqueID})

	defer func() {
		a.registry.UnregisterLink(agent.ID, link)
		a.metrics.setAgentsOnline(a.registry.Len())
		log.Info().Int("online", a.registry.Len()).Msg("agent disconnected")
		a.publish(context.Background(), agentDisconnectedSubject, map[string]any{"agent_id": agent.ID, "unique_id": agent.UniqueID})
	}()

	a.serveLink(r.Context(), link)
}

func (a *API) signIn(ctx context.Context, conn *websocket.Conn) (agentstore.Agent, error) {
	_ = conn.SetReadDeadline(time.Now().Add(signInWait))

	var hello agentproto.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return agentstore.Agent{}, err
	}
	if hello.Type != agentproto.TypeSignIn {
		return agentstore.Agent{}, errors.New("expected signin frame")
	}
	uniqueID := strings.TrimSpace(hello.UniqueID)
	if uniqueID == "" {
		return agentstore.Agent{}, errors.New("unique_id is required")
	}

	return agentstore.SignIn(ctx, a.store, uniqueID, time.Now())
}

// serveLink runs the read loop and keepalive pings until the agent goes away.
func (a *API) serveLink(ctx context.Context, link *wsLink) {
	conn := link.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := link.ping(); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var frame agentproto.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Debug().Err(err).Int64("agent_id", link.agentID).Msg("agent read error")
			}
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case agentproto.TypePing:
			_ = link.write(ctx, agentproto.Frame{Type: agentproto.TypePong})
		default:
			a.logger.Debug().Str("type", frame.Type).Int64("agent_id", link.agentID).Msg("ignoring agent frame")
		}
	}
}

func (a *API) publish(ctx context.Context, subject string, payload map[string]any) {
	a.broker.publish(ctx, subject, payload)
}

type agentView struct {
	agentstore.Agent
	Online bool `json:"online"`
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(trimParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("id must be an integer"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agent, err := a.store.FindByID(ctx, id)
	a.respondAgent(w, agent, err)
}

func (a *API) handleGetAgentByUniqueID(w http.ResponseWriter, r *http.Request) {
	uniqueID := trimParam(r, "unique_id")
	if uniqueID == "" {
		respondError(w, http.StatusBadRequest, errors.New("unique_id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	agent, err := a.store.FindByUniqueID(ctx, uniqueID)
	a.respondAgent(w, agent, err)
}

func (a *API) respondAgent(w http.ResponseWriter, agent *agentstore.Agent, err error) {
	if err != nil {
		respondError(w, storeStatus(err), err)
		return
	}
	if agent == nil {
		respondError(w, http.StatusNotFound, agentstore.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agent": agentView{Agent: *agent, Online: a.registry.IsOnline(agent.ID)},
	})
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(trimParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("id must be an integer"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	removed, err := a.store.Delete(ctx, id)
	if err != nil {
		respondError(w, storeStatus(err), err)
		return
	}
	if removed == 0 {
		respondError(w, http.StatusNotFound, agentstore.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, agentstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agentstore.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, agentstore.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
