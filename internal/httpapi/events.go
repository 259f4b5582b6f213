package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/wecall/internal/call"
	"github.com/MrWong99/wecall/internal/observe"
)

const eventWriteTimeout = 10 * time.Second

// handleEvents streams [call.Update] values as JSON text messages. The first
// message is the current snapshot and no later message carries an older one. A subscriber that falls behind loses
// updates rather than stalling the controller.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Debug("events upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The stream is write-only; CloseRead handles pings and reports the
	// client going away through ctx.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx)
	met := s.cfg.Observe

	updates := make(chan call.Update, s.cfg.EventBuffer)
	unsubscribe := s.cfg.Calls.Subscribe(func(u call.Update) {
		select {
		case updates <- u:
		default:
			met.EventsDropped.Add(ctx, 1)
		}
	})
	defer unsubscribe()

	met.EventSubscribers.Add(ctx, 1)
	defer met.EventSubscribers.Add(context.WithoutCancel(ctx), -1)

	first := call.Update{Kind: call.UpdateStatus, Snapshot: s.cfg.Calls.Snapshot()}
	if err := writeUpdate(ctx, conn, first); err != nil {
		log.Debug("events write failed", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case u := <-updates:
			// Updates queued between Subscribe and Snapshot are older than
			// the first message. Their status is superseded; transcripts
			// still go out, carrying the snapshot the client already has.
			if u.Snapshot.Version < first.Snapshot.Version {
				if u.Kind == call.UpdateStatus {
					continue
				}
				u.Snapshot = first.Snapshot
			}
			if err := writeUpdate(ctx, conn, u); err != nil {
				log.Debug("events write failed", "err", err)
				return
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, u call.Update) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, u)
}
