// Package signal owns the WebSocket signaling edge: socket lifecycle, rate
// limiting, wire decoding and per-sender ordering. Everything that crosses
// into call logic is a validated, in-order protocol.Message.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quorumchat/calls/internal/app"
	"github.com/quorumchat/calls/internal/config"
	"github.com/quorumchat/calls/internal/domain"
	"github.com/quorumchat/calls/internal/protocol"
)

const sendBuffer = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type SignalWSController struct {
	cfg  *config.Config
	orch *app.Orchestrator
	seq  *Sequencer

	mu    sync.RWMutex
	conns map[domain.ParticipantID]*WsSignalConn
}

func NewSignalWSController(cfg *config.Config, orch *app.Orchestrator) *SignalWSController {
	ctl := &SignalWSController{
		cfg:   cfg,
		orch:  orch,
		seq:   NewSequencer(),
		conns: make(map[domain.ParticipantID]*WsSignalConn),
	}
	orch.SetSender(ctl)
	return ctl
}

// SendTo delivers one outbound message to a connected participant. Satisfies
// the orchestrator's Sender port.
func (ctl *SignalWSController) SendTo(pid domain.ParticipantID, v any) error {
	ctl.mu.RLock()
	conn, ok := ctl.conns[pid]
	ctl.mu.RUnlock()
	if !ok {
		return ErrConnClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.TrySend(data); err != nil {
		if errors.Is(err, ErrBackpressure) {
			return app.ErrSlowConsumer
		}
		return err
	}
	return nil
}

// HandleSignal upgrades the request and binds the socket to the participant
// identified by the client token. A second socket for the same participant
// replaces the first.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := domain.ParticipantID(c.GetString("client_token"))
	if pid == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := newWsSignalConn(ws, sendBuffer)

	ctl.mu.Lock()
	if prev, ok := ctl.conns[pid]; ok {
		prev.Close()
	}
	ctl.conns[pid] = conn
	ctl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, pid, conn)
}

func (ctl *SignalWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, pid domain.ParticipantID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.unbind(pid, c)
		ctl.orch.OnDisconnect(pid)
	}()

	limiter := rate.NewLimiter(rate.Limit(ctl.cfg.SignalRate), ctl.cfg.SignalBurst)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			if !limiter.Allow() {
				log.Warn().Str("module", "signal").Str("participant", string(pid)).Msg("rate limited, message dropped")
				continue
			}
			ctl.handleFrame(ctx, pid, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, pid domain.ParticipantID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(pid)).Msg("bad message")
		return
	}
	// The socket identity wins over whatever the payload claims.
	if msg.SenderID != pid {
		log.Warn().Str("module", "signal").Str("participant", string(pid)).Str("claimed", string(msg.SenderID)).Msg("sender mismatch, dropped")
		return
	}
	for _, m := range ctl.seq.Submit(msg) {
		ctl.orch.OnMessage(ctx, m)
	}
}

// unbind removes the mapping only if it still points at this socket, so a
// reconnect that already replaced the entry is left alone.
func (ctl *SignalWSController) unbind(pid domain.ParticipantID, c *WsSignalConn) {
	ctl.mu.Lock()
	if ctl.conns[pid] == c {
		delete(ctl.conns, pid)
	}
	ctl.mu.Unlock()
}

// CloseAll drops every socket, for shutdown.
func (ctl *SignalWSController) CloseAll() {
	ctl.mu.Lock()
	conns := make([]*WsSignalConn, 0, len(ctl.conns))
	for _, c := range ctl.conns {
		conns = append(conns, c)
	}
	ctl.conns = make(map[domain.ParticipantID]*WsSignalConn)
	ctl.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
