package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mosaicflow/orchestrator/domain"
	"github.com/mosaicflow/orchestrator/planfsm"
)

// heartbeatInterval is how often the stream sends a Heartbeat frame to
// keep the connection alive through intermediate proxies (spec §4.6
// "Event Stream ... heartbeats").
const heartbeatInterval = 20 * time.Second

// frameKind distinguishes the event-stream's own envelope kinds from the
// domain EventType values carried inside a DomainEvent frame.
type frameKind string

const (
	frameDomainEvent frameKind = "DomainEvent"
	frameStreamDelta frameKind = "StreamDelta"
	frameHeartbeat   frameKind = "Heartbeat"
)

// streamFrame is the wire envelope for every server->client Event Stream
// message (spec §4.6).
type streamFrame struct {
	Frame     frameKind       `json:"frame"`
	EventType planfsm.EventType `json:"event_type,omitempty"`
	PlanID    domain.PlanID   `json:"plan_id,omitempty"`
	StepID    domain.StepID   `json:"step_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   any             `json:"payload,omitempty"`
}

// handleStream upgrades to a websocket and streams both the in-process
// domain event bus (planfsm.Bus, never dropped) and the best-effort StreamDelta
// bus (deltaBus, dropped under backpressure) for one session, until the
// client disconnects (spec §4.6 "Event Stream"). Grounded on
// vanducng-goclaw's internal/gateway/server.go handleWebSocket shape:
// upgrade, register a per-connection reader/writer pair, run until the
// context is cancelled.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := domain.SessionID(chi.URLParam(r, "session_id"))
	if err := g.requireSessionOwner(r.Context(), sessionID, UserIDFromContext(r.Context())); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn(r.Context(), "gateway: websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	domainSub := g.bus.Subscribe(sessionID, g.cfg.EventSubscriberLagThreshold)
	defer domainSub.Close()
	deltaSub := g.deltas.subscribe(sessionID)
	defer g.deltas.unsubscribe(sessionID, deltaSub)

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, domainSub, deltaSub)
}

// readPump drains client->server control frames (Ping/Pong/ClientAck) and
// cancels the stream once the client disconnects or sends a close frame.
func (g *Gateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump serializes domain events and StreamDelta chunks as discrete
// JSON frames and emits a Heartbeat on an idle timer, until ctx is
// cancelled by readPump or the client's session is torn down.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, domainSub *planfsm.Subscription, deltaSub *deltaSubscription) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-domainSub.Events():
			if err := conn.WriteJSON(domainFrame(evt)); err != nil {
				return
			}
		case evt := <-deltaSub.Events():
			if err := conn.WriteJSON(deltaFrame(evt)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(streamFrame{Frame: frameHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func domainFrame(evt planfsm.Event) streamFrame {
	return streamFrame{
		Frame: frameDomainEvent, EventType: evt.Type(), PlanID: evt.PlanID(),
		StepID: evt.StepID(), Timestamp: evt.Timestamp(), Payload: evt,
	}
}

func deltaFrame(evt deltaEvent) streamFrame {
	return streamFrame{
		Frame: frameStreamDelta, PlanID: evt.PlanID, StepID: evt.StepID,
		Timestamp: time.Now(), Payload: json.RawMessage(encodeDeltaPayload(evt)),
	}
}

func encodeDeltaPayload(evt deltaEvent) []byte {
	raw, _ := json.Marshal(struct {
		Text   string `json:"text"`
		Append bool   `json:"append"`
	}{Text: evt.Text, Append: evt.Append})
	return raw
}
