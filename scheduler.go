package rconclient

import (
	"time"

	"github.com/sirupsen/logrus"
)

// queuedCommand is a not-yet-sent entry in the Scheduler's FIFO.
type queuedCommand struct {
	payload      []byte
	isSystemPoll bool
}

// inFlight is the single occupied sequence slot.
type inFlight struct {
	seq            byte
	payload        []byte
	isSystemPoll   bool
	firstSentAt    time.Time
	lastSentAt     time.Time
	lastActivityAt time.Time // last send or last received part, whichever is newer
	attempts       int
}

// schedulerActionKind tags what the Session should do after a tick.
type schedulerActionKind int

const (
	actionNone schedulerActionKind = iota
	actionSend
	actionGiveUp
)

type schedulerAction struct {
	Kind     schedulerActionKind
	Seq      byte
	Payload  []byte
	IsResend bool
}

// scheduler owns the outbound sequence counter, the command FIFO, the
// single in-flight slot, and the resend/give-up policy. Not safe for
// concurrent use; driven exclusively from the Session's event loop.
type scheduler struct {
	seq                     byte
	queue                   []queuedCommand
	current                 *inFlight
	playersQueuedOrInFlight bool
	maxAttempts             int

	log *logrus.Entry
}

func newScheduler(maxAttempts int, log *logrus.Entry) *scheduler {
	return &scheduler{maxAttempts: maxAttempts, log: log}
}

// enqueueUser appends a user-issued command (sendCommand) to the FIFO.
func (s *scheduler) enqueueUser(payload []byte) {
	s.queue = append(s.queue, queuedCommand{payload: payload})
}

// enqueueHeartbeat appends a synthetic empty Command, indistinguishable
// from a user command to the Scheduler.
func (s *scheduler) enqueueHeartbeat() {
	s.enqueueUser(nil)
}

// enqueuePlayersPoll appends the system `players` poll, coalescing with any
// copy already queued or in flight.
func (s *scheduler) enqueuePlayersPoll(payload []byte) {
	if s.playersQueuedOrInFlight {
		return
	}
	s.playersQueuedOrInFlight = true
	s.queue = append(s.queue, queuedCommand{payload: payload, isSystemPoll: true})
}

// nextSeq allocates the next sequence, wrapping mod 256. byte
// arithmetic wraps for free.
func (s *scheduler) nextSeq() byte {
	seq := s.seq
	s.seq++
	return seq
}

// tick implements the per-second scheduler maintenance: send the queue
// head if nothing is in flight, resend the in-flight command if the
// resend policy triggers, or give up after maxAttempts.
func (s *scheduler) tick(now time.Time, r *reassembler) schedulerAction {
	if s.current == nil {
		if len(s.queue) == 0 {
			return schedulerAction{Kind: actionNone}
		}
		qc := s.queue[0]
		s.queue = s.queue[1:]

		seq := s.nextSeq()
		// A sequence is never reused while its in-flight entry (or any
		// stray reassembly buffer) is still live. The allocator already
		// guarantees no other inFlight occupies this slot; purge any
		// leftover partial reassembly explicitly.
		r.drop(seq)

		s.current = &inFlight{
			seq:            seq,
			payload:        qc.payload,
			isSystemPoll:   qc.isSystemPoll,
			firstSentAt:    now,
			lastSentAt:     now,
			lastActivityAt: now,
			attempts:       1,
		}
		return schedulerAction{Kind: actionSend, Seq: seq, Payload: qc.payload}
	}

	c := s.current
	if now.Sub(c.firstSentAt) > resendInterval && now.Sub(c.lastActivityAt) > partQuietInterval {
		c.attempts++
		c.lastSentAt = now
		c.lastActivityAt = now
		if c.attempts > s.maxAttempts {
			seq := c.seq
			if s.log != nil {
				s.log.WithFields(logrus.Fields{"seq": seq, "attempts": c.attempts - 1}).Warn("command timed out")
			}
			s.abandon()
			return schedulerAction{Kind: actionGiveUp, Seq: seq}
		}
		if s.log != nil {
			s.log.WithFields(logrus.Fields{"seq": c.seq, "attempt": c.attempts}).Debug("resending command")
		}
		return schedulerAction{Kind: actionSend, Seq: c.seq, Payload: c.payload, IsResend: true}
	}
	return schedulerAction{Kind: actionNone}
}

// notePartReceived records that a part of the current in-flight command's
// reply arrived, resetting the resend policy's quiet timer.
func (s *scheduler) notePartReceived(seq byte, now time.Time) {
	if s.current != nil && s.current.seq == seq {
		s.current.lastActivityAt = now
	}
}

// retire releases the in-flight slot for seq, returning whether it matched
// the current command, whether that command was the players poll, and the
// time it was first sent (for RTT measurement). A seq that does not match
// the current in-flight command is reported as unmatched so the Router can
// ignore stray replies (late replies to an abandoned or retired sequence).
func (s *scheduler) retire(seq byte) (wasSystemPoll bool, matched bool, firstSentAt time.Time) {
	if s.current == nil || s.current.seq != seq {
		return false, false, time.Time{}
	}
	wasSystemPoll = s.current.isSystemPoll
	firstSentAt = s.current.firstSentAt
	if wasSystemPoll {
		s.playersQueuedOrInFlight = false
	}
	s.current = nil
	return wasSystemPoll, true, firstSentAt
}

// abandon gives up on the current in-flight command without a response
//.
func (s *scheduler) abandon() {
	if s.current != nil && s.current.isSystemPoll {
		s.playersQueuedOrInFlight = false
	}
	s.current = nil
}

// reset clears all Scheduler state, used on reconnect.
func (s *scheduler) reset() {
	s.seq = 0
	s.queue = nil
	s.current = nil
	s.playersQueuedOrInFlight = false
}
