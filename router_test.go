package rconclient

import (
	"testing"
	"time"
)

func newTestRouter() (*router, *scheduler, *reassembler, *rosterEngine, *eventBus, []byte) {
	sched := newScheduler(defaultMaxAttempts, nil)
	reasm := newReassembler()
	bus := newEventBus(nil)
	roster := newRosterEngine(bus, nil, nil)
	var acked []byte
	connected := true
	rt := newRouter(sched, reasm, roster, nil,
		func(seq byte) error { acked = append(acked, seq); return nil },
		func() bool { return connected },
		nil,
	)
	return rt, sched, reasm, roster, bus, acked
}

func TestRouterIgnoresCommandWholeWithNoMatchingInFlight(t *testing.T) {
	rt, _, _, roster, _, _ := newTestRouter()
	rt.handle(CommandWhole{Seq: 9, Data: []byte("Players on server:\nh\nh\nh\n")}, time.Now())
	// No in-flight command owns seq 9: nothing should have been parsed as a
	// roster dump because handleCommandResponse is never reached, so
	// rosterReady stays false.
	if roster.rosterReady != false {
		t.Fatal("rosterReady should be unaffected by an unmatched reply")
	}
}

func TestRouterDeliversMatchedCommandWholeToRoster(t *testing.T) {
	rt, sched, reasm, roster, bus, _ := newTestRouter()
	sched.enqueuePlayersPoll([]byte("players"))
	act := sched.tick(time.Now(), reasm)
	if act.Kind != actionSend {
		t.Fatal("expected the players poll to be sent")
	}

	dump := "Players on server:\nh\nh\nh\n0 127.0.0.1:1 1 " + guidFixture + "(OK) Ann\n"
	rt.handle(CommandWhole{Seq: act.Seq, Data: []byte(dump)}, time.Now())

	ev := <-bus.events()
	if ev.Kind != EventPlayerJoin {
		t.Fatalf("expected playerJoin from the routed dump, got %v", ev.Kind)
	}
	if !roster.rosterReady {
		t.Error("expected rosterReady after a routed players poll reply")
	}
}

func TestRouterReassemblesMultiPartBeforeRouting(t *testing.T) {
	rt, sched, reasm, _, _, _ := newTestRouter()
	sched.enqueuePlayersPoll([]byte("players"))
	act := sched.tick(time.Now(), reasm)

	now := time.Now()
	rt.handle(CommandPart{Seq: act.Seq, Total: 2, Index: 1, Data: []byte("world")}, now)
	if sched.current == nil {
		t.Fatal("scheduler should still consider the command in flight after one of two parts")
	}
	rt.handle(CommandPart{Seq: act.Seq, Total: 2, Index: 0, Data: []byte("hello ")}, now)
	if sched.current != nil {
		t.Error("expected the scheduler to retire the command once reassembly completed")
	}
}

func TestRouterDedupsServerMessageAcrossWindow(t *testing.T) {
	rt, _, _, roster, bus, _ := newTestRouter()
	roster.rosterReady = true

	rt.handle(ServerMessageFrame{Seq: 5, Data: []byte("RCon admin #0: (Global) hi")}, time.Now())
	<-bus.events()

	rt.handle(ServerMessageFrame{Seq: 5, Data: []byte("RCon admin #0: (Global) hi")}, time.Now())
	select {
	case ev := <-bus.events():
		t.Fatalf("expected the duplicate seq to be suppressed, got %v", ev.Kind)
	default:
	}
}

func TestRouterAlwaysAcksEvenDuplicates(t *testing.T) {
	sched := newScheduler(defaultMaxAttempts, nil)
	reasm := newReassembler()
	bus := newEventBus(nil)
	roster := newRosterEngine(bus, nil, nil)
	roster.rosterReady = true
	var acked []byte
	rt := newRouter(sched, reasm, roster, nil,
		func(seq byte) error { acked = append(acked, seq); return nil },
		func() bool { return true },
		nil,
	)

	rt.handle(ServerMessageFrame{Seq: 2, Data: []byte("hi")}, time.Now())
	<-bus.events()
	rt.handle(ServerMessageFrame{Seq: 2, Data: []byte("hi")}, time.Now())

	if len(acked) != 2 {
		t.Fatalf("expected both the original and the duplicate to be acked, got %d", len(acked))
	}
}

func TestRouterSkipsSemanticsWhenNotConnected(t *testing.T) {
	sched := newScheduler(defaultMaxAttempts, nil)
	reasm := newReassembler()
	bus := newEventBus(nil)
	roster := newRosterEngine(bus, nil, nil)
	roster.rosterReady = true
	rt := newRouter(sched, reasm, roster, nil,
		func(seq byte) error { return nil },
		func() bool { return false },
		nil,
	)

	rt.handle(ServerMessageFrame{Seq: 1, Data: []byte("RCon admin #0: (Global) hi")}, time.Now())
	select {
	case ev := <-bus.events():
		t.Fatalf("expected no semantic processing while not connected, got %v", ev.Kind)
	default:
	}
}
