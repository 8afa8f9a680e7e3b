package rconclient

import "testing"

func newTestRoster() (*rosterEngine, *eventBus) {
	bus := newEventBus(nil)
	return newRosterEngine(bus, nil, nil), bus
}

func TestInlineGuidVerifiedJoinsPromotesConnecting(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true

	r.handleServerMessage("Player #3 Bob (1.2.3.4:2302) connected")
	r.handleServerMessage("Player #3 Bob - BE GUID: " + guidFixture)
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #3 Bob")

	ev := <-bus.events()
	if ev.Kind != EventPlayerJoin {
		t.Fatalf("expected playerJoin, got %v", ev.Kind)
	}
	if ev.Player.ID != 3 || ev.Player.Name != "Bob" || ev.Player.IP != "1.2.3.4" || ev.Player.GUID != guidFixture {
		t.Errorf("unexpected player: %+v", ev.Player)
	}
	if !ev.Player.Verified || !ev.Player.Lobby {
		t.Errorf("expected promoted player to be verified and in lobby: %+v", ev.Player)
	}
	if len(r.connecting) != 0 {
		t.Error("expected connecting entry to be consumed")
	}
}

func TestGuidCalculatedMatchesUndashedWording(t *testing.T) {
	r, _ := newTestRoster()
	r.handleServerMessage("Player #3 Alice (1.2.3.4:2302) connected")

	r.handleServerMessage("Player #3 Alice BE GUID: " + guidFixture)

	if c, ok := r.connecting[3]; !ok || c.GUID != guidFixture {
		t.Fatalf("expected the undashed BE GUID wording to attach the GUID to the connecting player, got %+v", r.connecting[3])
	}
}

func TestInlineJoinSuppressedBeforeRosterReady(t *testing.T) {
	r, bus := newTestRoster()
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #9 Ann")

	select {
	case ev := <-bus.events():
		t.Fatalf("expected no emission before rosterReady, got %v", ev.Kind)
	default:
	}
	if _, ok := r.players[9]; !ok {
		t.Fatal("expected player state to be tracked even though emission was suppressed")
	}
}

func TestDuplicateGuidVerifiedDoesNotReemitJoin(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #1 Cy")
	<-bus.events() // consume the join

	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #1 Cy")
	select {
	case ev := <-bus.events():
		t.Fatalf("expected no second join event, got %v", ev.Kind)
	default:
	}
}

func TestPlayerDisconnectedRemovesAndEmitsLeave(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #1 Cy")
	<-bus.events()

	r.handleServerMessage("Player #1 Cy disconnected")
	ev := <-bus.events()
	if ev.Kind != EventPlayerLeave || ev.Player.ID != 1 {
		t.Fatalf("expected playerLeave for id 1, got %+v", ev)
	}
	if _, ok := r.players[1]; ok {
		t.Error("expected player to be removed from roster")
	}
}

func TestDisconnectBeforePromotionDropsConnectingSilently(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.handleServerMessage("Player #4 Deb (5.6.7.8:2302) connected")
	r.handleServerMessage("Player #4 Deb disconnected")

	select {
	case ev := <-bus.events():
		t.Fatalf("expected no event for a connecting player that never joined, got %v", ev.Kind)
	default:
	}
	if _, ok := r.connecting[4]; ok {
		t.Error("expected connecting entry to be dropped")
	}
}

func TestPlayerKickedEmitsLeaveWithReason(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #2 Ed")
	<-bus.events()

	r.handleServerMessage("Player #2 Ed (" + guidFixture + ") has been kicked by BattlEye: Admin Kick")
	ev := <-bus.events()
	if ev.Kind != EventPlayerLeave || ev.Reason != "Admin Kick" {
		t.Fatalf("expected kicked leave with reason, got %+v", ev)
	}
}

func TestBELogResolvesKnownPlayer(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #5 Fae")
	<-bus.events()

	r.handleServerMessage("Global Chat Log: #5 Fae (" + guidFixture + ") - #0 hello world")
	ev := <-bus.events()
	if ev.Kind != EventBELog {
		t.Fatalf("expected beLog, got %v", ev.Kind)
	}
	if ev.BELog.PlayerID != 5 || ev.BELog.Body != "hello world" || ev.BELog.Filter != 0 {
		t.Errorf("unexpected beLog record: %+v", ev.BELog)
	}
	if ev.BELog.Player == nil || ev.BELog.Player.Name != "Fae" {
		t.Error("expected beLog to resolve the known player")
	}
}

func TestPlayerMessageLongestNamePrefix(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.handleServerMessage("Verified GUID (" + guidFixture + ") of player #1 Al")
	<-bus.events()
	r.handleServerMessage("Verified GUID (aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa) of player #2 Alice")
	<-bus.events()

	r.handleServerMessage("(Side) Alice: hi there")
	ev := <-bus.events()
	if ev.Kind != EventPlayerMessage {
		t.Fatalf("expected playerMessage, got %v", ev.Kind)
	}
	if ev.Player.Name != "Alice" || ev.Text != "hi there" || ev.Channel != "Side" {
		t.Errorf("expected the longer name 'Alice' to win the prefix match, got %+v", ev)
	}
}

func TestAdminMessageParsed(t *testing.T) {
	r, bus := newTestRoster()
	r.handleServerMessage("RCon admin #0: (Global) server restarting soon")
	ev := <-bus.events()
	if ev.Kind != EventAdminMessage || ev.AdminID != 0 || ev.Channel != "Global" || ev.Text != "server restarting soon" {
		t.Errorf("unexpected adminMessage: %+v", ev)
	}
}

func TestSystemAdvisorySurfacedAsError(t *testing.T) {
	r, bus := newTestRoster()
	r.handleServerMessage("Ban check timed out")
	ev := <-bus.events()
	if ev.Kind != EventError {
		t.Fatalf("expected EventError, got %v", ev.Kind)
	}
	if _, ok := ev.Err.(*SystemAdvisoryError); !ok {
		t.Errorf("expected SystemAdvisoryError, got %T", ev.Err)
	}
}

func TestUnrecognizedMessageSurfacedAsUnknown(t *testing.T) {
	r, bus := newTestRoster()
	r.handleServerMessage("this matches nothing we know about")
	ev := <-bus.events()
	if ev.Kind != EventError {
		t.Fatalf("expected EventError, got %v", ev.Kind)
	}
	if _, ok := ev.Err.(*UnknownServerMessageError); !ok {
		t.Errorf("expected UnknownServerMessageError, got %T", ev.Err)
	}
}

func TestRosterDumpParsesRowsAndMarksReady(t *testing.T) {
	r, bus := newTestRoster()
	dump := "Players on server:\n" +
		"[#] [IP address] [Ping] [GUID] [Name]\n" +
		"--------------------------------------------------\n" +
		"\n" +
		"0   127.0.0.1:2304   59   " + guidFixture + "(OK) PlayerOne\n" +
		"1   10.0.0.2:2304    40   -                       PlayerTwo\n"

	r.handleCommandResponse([]byte(dump), true)

	join := <-bus.events()
	if join.Kind != EventPlayerJoin || join.Player.ID != 0 {
		t.Fatalf("expected playerJoin for the guid-bearing row, got %+v", join)
	}
	snap := <-bus.events()
	if snap.Kind != EventPlayers {
		t.Fatalf("expected trailing EventPlayers, got %v", snap.Kind)
	}
	if !r.rosterReady {
		t.Error("expected rosterReady to be set true after a dump")
	}
	if _, ok := r.connecting[1]; !ok {
		t.Error("expected the guid-less row to create a ConnectingPlayer")
	}
}

func TestRosterDumpUpdatesExistingPlayerAndEmitsChanges(t *testing.T) {
	r, bus := newTestRoster()
	r.rosterReady = true
	r.players[0] = &Player{ID: 0, Name: "PlayerOne", GUID: guidFixture, Verified: true, Ping: 10}

	dump := "Players on server:\nhdr\nhdr\nhdr\n" +
		"0   127.0.0.1:2304   99   " + guidFixture + "(OK) PlayerOne\n"
	r.handleCommandResponse([]byte(dump), true)

	ev := <-bus.events()
	if ev.Kind != EventPlayerUpdated {
		t.Fatalf("expected playerUpdated, got %v", ev.Kind)
	}
	if !ev.Changes.Ping {
		t.Error("expected ping change to be flagged")
	}
}

func TestRosterDumpIgnoredWhenNotSystemPoll(t *testing.T) {
	r, bus := newTestRoster()
	r.handleCommandResponse([]byte("Players on server:\nhdr\nhdr\nhdr\n0 1.2.3.4:1 1 - x\n"), false)
	select {
	case ev := <-bus.events():
		t.Fatalf("expected a non-poll reply to be ignored entirely, got %v", ev.Kind)
	default:
	}
}

func TestPlayerDisconnectedWithUnparseableIDEmitsParseError(t *testing.T) {
	r, bus := newTestRoster()
	// 99999999999 overflows uint32, so the capture group matches but the
	// numeric parse fails.
	r.handleServerMessage("Player #99999999999 Zed disconnected")

	ev := <-bus.events()
	if ev.Kind != EventError {
		t.Fatalf("expected EventError, got %v", ev.Kind)
	}
	pe, ok := ev.Err.(*ParseError)
	if !ok {
		t.Fatalf("expected ParseError, got %T", ev.Err)
	}
	if pe.Rule != "playerDisconnected" {
		t.Errorf("expected rule %q, got %q", "playerDisconnected", pe.Rule)
	}
}

const guidFixture = "0123456789abcdef0123456789abcdef"
