package rconclient

import (
	"time"

	"github.com/sirupsen/logrus"
)

// seqWindow deduplicates ServerMessage sequences over a sliding window of
// the 256 most recently seen distinct values. A flat [256]bool
// indexed by seq would never age out a byte value once seen; this tracks
// arrival order instead, so a sequence that cycled out of the window is
// correctly treated as new again when the server reuses it.
type seqWindow struct {
	order    []byte
	seen     map[byte]bool
	capacity int
}

func newSeqWindow(capacity int) *seqWindow {
	return &seqWindow{seen: make(map[byte]bool, capacity), capacity: capacity}
}

// markAndWasSeen records seq as seen and reports whether it was already in
// the window.
func (w *seqWindow) markAndWasSeen(seq byte) bool {
	if w.seen[seq] {
		return true
	}
	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, seq)
	w.seen[seq] = true
	return false
}

// router demultiplexes decoded frames to the Scheduler/Reassembler and the
// Roster Engine, and owns ServerMessage ack-dedup. Driven
// exclusively from the Session's event loop.
type router struct {
	scheduler *scheduler
	reasm     *reassembler
	roster    *rosterEngine
	metrics   *metricsCollector

	acked *seqWindow

	sendAck   func(seq byte) error
	connected func() bool

	log *logrus.Entry
}

func newRouter(s *scheduler, r *reassembler, ro *rosterEngine, m *metricsCollector, sendAck func(byte) error, connected func() bool, log *logrus.Entry) *router {
	return &router{
		scheduler: s,
		reasm:     r,
		roster:    ro,
		metrics:   m,
		acked:     newSeqWindow(256),
		sendAck:   sendAck,
		connected: connected,
		log:       log,
	}
}

// handle dispatches one decoded Command/ServerMessage frame. Login
// frames are handled directly by the Session and never reach the router.
func (rt *router) handle(frame any, now time.Time) {
	switch f := frame.(type) {
	case CommandWhole:
		wasSystemPoll, matched, firstSentAt := rt.scheduler.retire(f.Seq)
		if !matched {
			// No in-flight command owns this sequence: a late reply to an
			// already-abandoned or already-retired command.
			if rt.log != nil {
				rt.log.WithField("seq", f.Seq).Debug("dropping reply for unmatched sequence")
			}
			return
		}
		rt.observeRTT(now, firstSentAt)
		rt.reasm.drop(f.Seq)
		rt.roster.handleCommandResponse(f.Data, wasSystemPoll)

	case CommandPart:
		rt.scheduler.notePartReceived(f.Seq, now)
		data, done := rt.reasm.push(f)
		if !done {
			return
		}
		wasSystemPoll, matched, firstSentAt := rt.scheduler.retire(f.Seq)
		if !matched {
			return
		}
		rt.observeRTT(now, firstSentAt)
		rt.roster.handleCommandResponse(data, wasSystemPoll)

	case ServerMessageFrame:
		duplicate := rt.acked.markAndWasSeen(f.Seq)
		if rt.sendAck != nil {
			if err := rt.sendAck(f.Seq); err == nil && rt.metrics != nil {
				rt.metrics.acksSent.Inc()
			}
		}
		if duplicate {
			if rt.log != nil {
				rt.log.WithField("seq", f.Seq).Debug("acked duplicate ServerMessage")
			}
			return
		}
		if rt.connected != nil && !rt.connected() {
			if rt.log != nil {
				rt.log.WithField("seq", f.Seq).Debug("skipping ServerMessage semantics while not connected")
			}
			return
		}
		rt.roster.handleServerMessage(string(f.Data))
	}
}

// observeRTT records the time from a command's first send to its retiring
// reply, when a firstSentAt is available (the zero value means no in-flight
// command was actually matched).
func (rt *router) observeRTT(now, firstSentAt time.Time) {
	if rt.metrics == nil || firstSentAt.IsZero() {
		return
	}
	rt.metrics.commandRTT.Observe(now.Sub(firstSentAt).Seconds())
}

// reset clears ack-dedup state, used on reconnect.
func (rt *router) reset() {
	rt.acked = newSeqWindow(256)
}
