package call

import (
	"errors"

	"github.com/MrWong99/wecall/internal/observe"
	"github.com/MrWong99/wecall/pkg/audio"
	"github.com/MrWong99/wecall/pkg/audio/playback"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// dispatch is the event loop of a connected call. It returns when the call
// ends, whichever side ends it.
func (c *Controller) dispatch(s *session, res *resources) {
	frames := res.stream.Frames()
	events := res.handle.Events()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f, ok := <-frames:
			if !ok {
				cause := res.stream.Err()
				if cause == nil {
					cause = ErrCaptureStopped
				}
				c.endSession(s, reasonCapture, cause)
				return
			}
			c.forwardFrame(s, res, f)

		case ev, ok := <-events:
			if !ok {
				c.endSession(s, reasonRemoteClosed, &TransportError{Err: ErrRemoteClosed})
				return
			}
			if done := c.handleEvent(s, res, ev); done {
				return
			}
		}
	}
}

// forwardFrame encodes and sends one microphone frame unless muted.
func (c *Controller) forwardFrame(s *session, res *resources, f audio.Frame) {
	if c.muted.Load() {
		c.metrics.RecordFrameDropped(s.ctx, "muted")
		return
	}
	if err := res.handle.Send(c.encoder.Encode(f)); err != nil {
		c.metrics.RecordFrameDropped(s.ctx, "send_error")
		observe.Logger(s.ctx).Debug("send failed", "err", err)
		return
	}
	c.metrics.FramesSent.Add(s.ctx, 1)
}

// handleEvent applies one remote event. It reports true when the event ended
// the call.
func (c *Controller) handleEvent(s *session, res *resources, ev s2s.Event) bool {
	log := observe.Logger(s.ctx)

	switch ev.Kind {
	case s2s.EventAudio:
		buf, err := c.decoder.Decode(ev.Packet)
		if err != nil {
			c.metrics.DecodeErrors.Add(s.ctx, 1)
			log.Warn("dropping inbound audio", "err", &DecodeError{Err: err})
			return false
		}
		if _, err := res.sched.Enqueue(buf); err != nil {
			if !errors.Is(err, playback.ErrClosed) {
				log.Warn("schedule playback", "err", err)
			}
			return false
		}
		c.metrics.PlaybackBuffers.Add(s.ctx, 1)

	case s2s.EventInterrupted:
		n := res.sched.Flush()
		c.metrics.Interruptions.Add(s.ctx, 1)
		log.Debug("playback interrupted", "stopped", n)

	case s2s.EventTranscript:
		t := ev.Transcript
		log.Info("transcript", "role", t.Role, "text", t.Text)
		c.mu.Lock()
		if c.sess == s {
			c.publishLocked(Update{Kind: UpdateTranscript, Transcript: &t})
		}
		c.mu.Unlock()

	case s2s.EventTurnComplete:
		log.Debug("model turn complete", "queued_until", res.sched.NextStart())

	case s2s.EventClosed:
		c.endSession(s, reasonRemoteClosed, &TransportError{Err: ErrRemoteClosed})
		return true

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified remote error")
		}
		c.endSession(s, reasonRemoteError, &TransportError{Err: err})
		return true

	default:
		log.Debug("ignoring event", "kind", ev.Kind.String())
	}
	return false
}
