package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"filerelay/pkg/agentproto"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
	signInWait   = 15 * time.Second
	maxFrameSize = 64 << 10
)

// wsLink is a Link backed by one agent's WebSocket. gorilla/websocket allows a
// single concurrent writer, so writes are serialised.
type wsLink struct {
	agentID int64
	conn    *websocket.Conn

	writeMu sync.Mutex
}

func newWSLink(agentID int64, conn *websocket.Conn) *wsLink {
	return &wsLink{agentID: agentID, conn: conn}
}

func (l *wsLink) SendUpload(ctx context.Context, cmd UploadCommand) error {
	return l.write(ctx, agentproto.UploadTo(cmd.FileID, cmd.CallbackAddress))
}

func (l *wsLink) write(ctx context.Context, frame agentproto.Frame) error {
	if l == nil || l.conn == nil {
		return errors.New("nil link")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return l.conn.WriteJSON(frame)
}

func (l *wsLink) ping() error {
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (l *wsLink) close(code int, reason string) {
	_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = l.conn.Close()
}
