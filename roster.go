package rconclient

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Player is an authoritative roster entry: a player the server has
// verified (GUID confirmed) or that a `players` roster dump has reported
//. Values returned to callers are copies; mutating one has no
// effect on the Roster Engine.
type Player struct {
	ID          uint32
	Name        string
	IP          string
	GUID        string
	Ping        int32
	Lobby       bool
	Verified    bool
	ConnectedAt time.Time
}

// connectingPlayer is transient pre-verification state.
type connectingPlayer struct {
	ID   uint32
	Name string
	IP   string
	GUID string
}

// PlayerChanges flags which fields changed in a playerUpdated event.
type PlayerChanges struct {
	Ping     bool
	Verified bool
	Lobby    bool
}

// BELogRecord is a parsed `* Log:` inline notification. Player is
// populated when the logged playerId resolves to a known roster entry.
type BELogRecord struct {
	Type     string
	PlayerID uint32
	GUID     string
	Filter   int
	Body     string
	Player   *Player
}

// Inline notification grammars. Anchored full-line matches; a
// payload matching none of these is an UnknownServerMessageError.
var (
	rePlayerConnecting  = regexp.MustCompile(`^Player #(\d+) (.+) \(([0-9.]+):\d+\) connected$`)
	reGuidCalculated    = regexp.MustCompile(`^Player #(\d+) .+ BE GUID: ([0-9a-f]{32})$`)
	reGuidVerified      = regexp.MustCompile(`^Verified GUID \(([0-9a-f]{32})\) of player #(\d+) (.+)$`)
	rePlayerKicked      = regexp.MustCompile(`^Player #(\d+) .+ \(([0-9a-f]{32})\) has been kicked by BattlEye: (.+)$`)
	rePlayerDisconnect  = regexp.MustCompile(`^Player #(\d+) .+ disconnected$`)
	reBELog             = regexp.MustCompile(`(?s)^([A-Za-z ]+) Log: #(\d+) .+ \(([0-9a-f]{32})\) - #(\d+) (.+)$`)
	reAdminMessage      = regexp.MustCompile(`^RCon admin #(\d+): \((.+?)\) (.+)$`)
	rePlayerMessagePrfx = regexp.MustCompile(`^\(([A-Za-z0-9]+)\) (.+)$`)
)

// systemAdvisoryPhrases recognizes diagnostic chatter the server emits
// outside of the roster protocol:
// ban-check timeouts, master-query timeouts, and master-server connectivity
// notices. These carry no roster semantics and are surfaced as non-fatal
// EventError rather than parsed further.
var systemAdvisoryPhrases = []string{
	"ban check timed out",
	"master query timeout",
	"connected to be master",
}

func isSystemAdvisory(raw string) bool {
	lower := strings.ToLower(raw)
	for _, p := range systemAdvisoryPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// rosterRowPattern matches one data line of a `players` roster dump
//:
//
//	<id>   <ip>:<port>   <ping>   <guid|-><(OK|?)>?   <name>[ (Lobby)]
var rosterRowPattern = regexp.MustCompile(
	`^(\d+)\s+([0-9.]+):\d+\s+(-?\d+)\s+(-|[0-9a-f]{32})(?:\((OK|\?)\))?\s+(.+?)(\s+\(Lobby\))?$`,
)

// rosterDumpHeader is the first line of a `players` reply; the three
// column-header/separator lines that follow it are skipped unconditionally.
const rosterDumpHeader = "Players on server:"

// rosterEngine owns the authoritative Player table and the transient
// ConnectingPlayer table behind a mutex-guarded, id-keyed map pair.
// Mutation happens only from the Session's single event-loop goroutine;
// the mutex exists solely to let Players() be called safely from any other
// goroutine.
type rosterEngine struct {
	mu         sync.RWMutex
	players    map[uint32]*Player
	connecting map[uint32]*connectingPlayer

	rosterReady bool

	bus     *eventBus
	metrics *metricsCollector
	log     *logrus.Entry
}

func newRosterEngine(bus *eventBus, metrics *metricsCollector, log *logrus.Entry) *rosterEngine {
	return &rosterEngine{
		players:    make(map[uint32]*Player),
		connecting: make(map[uint32]*connectingPlayer),
		bus:        bus,
		metrics:    metrics,
		log:        log,
	}
}

// reset clears all roster state, used on reconnect.
func (r *rosterEngine) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = make(map[uint32]*Player)
	r.connecting = make(map[uint32]*connectingPlayer)
	r.rosterReady = false
	if r.metrics != nil {
		r.metrics.rosterSize.Set(0)
	}
}

// Snapshot returns an immutable copy of the authoritative roster, safe to
// call from any goroutine.
func (r *rosterEngine) Snapshot() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	return out
}

// handleServerMessage parses one inline notification payload and
// updates roster state. Emission of playerJoin/playerLeave/playerUpdated
// is suppressed until rosterReady; state is always updated.
func (r *rosterEngine) handleServerMessage(raw string) {
	raw = strings.TrimRight(raw, "\x00")
	if raw == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m := rePlayerConnecting.FindStringSubmatch(raw); m != nil {
		r.handlePlayerConnecting(raw, m)
		return
	}
	if m := reGuidCalculated.FindStringSubmatch(raw); m != nil {
		r.handleGuidCalculated(raw, m)
		return
	}
	if m := reGuidVerified.FindStringSubmatch(raw); m != nil {
		r.handleGuidVerified(raw, m)
		return
	}
	if m := rePlayerKicked.FindStringSubmatch(raw); m != nil {
		r.handlePlayerKicked(raw, m)
		return
	}
	if m := rePlayerDisconnect.FindStringSubmatch(raw); m != nil {
		r.handlePlayerDisconnected(raw, m)
		return
	}
	if m := reBELog.FindStringSubmatch(raw); m != nil {
		r.handleBELog(raw, m)
		return
	}
	if m := reAdminMessage.FindStringSubmatch(raw); m != nil {
		id, ok := r.parseIntField("adminMessage", raw, m[1])
		if !ok {
			return
		}
		r.emit(Event{Kind: EventAdminMessage, Channel: m[2], Text: m[3], AdminID: id})
		return
	}
	if m := rePlayerMessagePrfx.FindStringSubmatch(raw); m != nil {
		if r.handlePlayerMessage(m[1], m[2]) {
			return
		}
	}
	if isSystemAdvisory(raw) {
		r.emit(Event{Kind: EventError, Err: &SystemAdvisoryError{Text: raw}})
		return
	}
	r.emit(Event{Kind: EventError, Err: &UnknownServerMessageError{Raw: raw}})
}

// parseUint32Field parses field as a roster id. On failure it emits a
// ParseError naming rule and raw and reports ok=false so the caller can
// abandon the notification instead of acting on a zero-value id.
func (r *rosterEngine) parseUint32Field(rule, raw, field string) (uint32, bool) {
	v, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		if r.log != nil {
			r.log.WithFields(logrus.Fields{"rule": rule, "raw": raw}).Warn("failed to parse captured id")
		}
		r.emit(Event{Kind: EventError, Err: &ParseError{Rule: rule, Raw: raw}})
		return 0, false
	}
	return uint32(v), true
}

// parseIntField is parseUint32Field's signed counterpart, used for fields
// such as an admin id or a BE log filter index.
func (r *rosterEngine) parseIntField(rule, raw, field string) (int, bool) {
	v, err := strconv.Atoi(field)
	if err != nil {
		if r.log != nil {
			r.log.WithFields(logrus.Fields{"rule": rule, "raw": raw}).Warn("failed to parse captured field")
		}
		r.emit(Event{Kind: EventError, Err: &ParseError{Rule: rule, Raw: raw}})
		return 0, false
	}
	return v, true
}

func (r *rosterEngine) handlePlayerConnecting(raw string, m []string) {
	id, ok := r.parseUint32Field("playerConnecting", raw, m[1])
	if !ok {
		return
	}
	r.connecting[id] = &connectingPlayer{ID: id, Name: m[2], IP: m[3]}
}

func (r *rosterEngine) handleGuidCalculated(raw string, m []string) {
	id, ok := r.parseUint32Field("guidCalculated", raw, m[1])
	if !ok {
		return
	}
	guid := m[2]

	if c, ok := r.connecting[id]; ok {
		c.GUID = guid
		return
	}
	// No ConnectingPlayer and no reason to believe this is new information:
	// a verified Player already holding this id+guid is a duplicate/late
	// notification and is ignored; with no ConnectingPlayer to
	// attach the GUID to, there is nothing else to update either way.
}

func (r *rosterEngine) handleGuidVerified(raw string, m []string) {
	guid := m[1]
	id, ok := r.parseUint32Field("guidVerified", raw, m[2])
	if !ok {
		return
	}
	name := m[3]

	if existing, ok := r.players[id]; ok && existing.Verified && existing.GUID == guid {
		// Duplicate verification for an already-verified player: drop any
		// stray ConnectingPlayer and do not re-emit playerJoin.
		delete(r.connecting, id)
		return
	}

	now := time.Now()
	if existing, ok := r.players[id]; ok {
		if c, ok := r.connecting[id]; ok {
			existing.Name = c.Name
			existing.IP = c.IP
		}
		existing.GUID = guid
		existing.Verified = true
		existing.Lobby = true
		existing.ConnectedAt = now
		delete(r.connecting, id)
		r.emitPlayerJoin(existing)
		return
	}

	p := &Player{ID: id, Name: name, GUID: guid, Verified: true, Lobby: true, ConnectedAt: now}
	if c, ok := r.connecting[id]; ok {
		p.Name = c.Name
		p.IP = c.IP
		delete(r.connecting, id)
	}
	r.players[id] = p
	r.emitPlayerJoin(p)
}

func (r *rosterEngine) handlePlayerDisconnected(raw string, m []string) {
	id, ok := r.parseUint32Field("playerDisconnected", raw, m[1])
	if !ok {
		return
	}
	r.removePlayer(id, "disconnected")
}

func (r *rosterEngine) handlePlayerKicked(raw string, m []string) {
	id, ok := r.parseUint32Field("playerKicked", raw, m[1])
	if !ok {
		return
	}
	reason := m[3]
	r.removePlayer(id, reason)
}

func (r *rosterEngine) removePlayer(id uint32, reason string) {
	if p, ok := r.players[id]; ok {
		delete(r.players, id)
		r.emitPlayerLeave(p, reason)
		return
	}
	// Not yet promoted: drop the ConnectingPlayer silently, it was never
	// observed by a subscriber as having joined.
	delete(r.connecting, id)
}

func (r *rosterEngine) handleBELog(raw string, m []string) {
	id, ok := r.parseUint32Field("beLog", raw, m[2])
	if !ok {
		return
	}
	filter, ok := r.parseIntField("beLog", raw, m[4])
	if !ok {
		return
	}
	rec := BELogRecord{Type: strings.TrimSpace(m[1]), PlayerID: id, GUID: m[3], Filter: filter, Body: m[5]}
	if p, ok := r.players[id]; ok {
		cp := *p
		rec.Player = &cp
	}
	r.emit(Event{Kind: EventBELog, BELog: rec})
}

// handlePlayerMessage resolves the longest known player name that prefixes
// rest as "<name>: <text>". Returns false if no player name
// matches, so the caller can fall through to the unknown-message path.
func (r *rosterEngine) handlePlayerMessage(channel, rest string) bool {
	var best *Player
	for _, p := range r.players {
		prefix := p.Name + ": "
		if strings.HasPrefix(rest, prefix) && (best == nil || len(p.Name) > len(best.Name)) {
			best = p
		}
	}
	if best == nil {
		return false
	}
	text := rest[len(best.Name)+2:]
	r.emit(Event{Kind: EventPlayerMessage, Player: *best, Channel: channel, Text: text})
	return true
}

// handleCommandResponse is called by the Router for every retired command
// reply. Only replies to the `players` system poll carry roster
// semantics; anything else (a reply to a user SendCommand) is discarded,
// since there is no generic command-response event for callers to observe.
func (r *rosterEngine) handleCommandResponse(data []byte, isSystemPoll bool) {
	if !isSystemPoll {
		return
	}
	text := string(data)
	if !strings.HasPrefix(text, rosterDumpHeader) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processRosterDump(text)
}

// processRosterDump applies the tabular parse: skip the header line
// plus the three column-header/separator lines, then apply one row per
// remaining non-blank, well-formed line. Lines that do not match
// rosterRowPattern (a trailing footer, a stray blank line) are skipped
// rather than treated as a parse failure — the dump format has no
// end-of-table marker to validate against.
func (r *rosterEngine) processRosterDump(text string) {
	lines := strings.Split(text, "\n")
	const headerLines = 4
	if len(lines) > headerLines {
		lines = lines[headerLines:]
	} else {
		lines = nil
	}

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := rosterRowPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		row, ok := r.parseRosterRow(line, m)
		if !ok {
			continue
		}
		r.applyDumpRow(row)
	}

	r.rosterReady = true
	r.emit(Event{Kind: EventPlayers, Snapshot: r.snapshotLocked()})
}

type rosterRow struct {
	id       uint32
	ip       string
	ping     int32
	guid     string
	verified bool
	name     string
	lobby    bool
}

func (r *rosterEngine) parseRosterRow(line string, m []string) (rosterRow, bool) {
	id, ok := r.parseUint32Field("rosterDumpRow", line, m[1])
	if !ok {
		return rosterRow{}, false
	}
	ping, ok := r.parseIntField("rosterDumpRow", line, m[3])
	if !ok {
		return rosterRow{}, false
	}
	guid := m[4]
	if guid == "-" {
		guid = ""
	}
	return rosterRow{
		id:       id,
		ip:       m[2],
		ping:     int32(ping),
		guid:     guid,
		verified: m[5] == "OK",
		name:     strings.TrimSpace(m[6]),
		lobby:    m[7] != "",
	}, true
}

// applyDumpRow implements the per-row update/create policy, including race
// resolution against a concurrent inline notification for the same row.
func (r *rosterEngine) applyDumpRow(row rosterRow) {
	if p, ok := r.players[row.id]; ok {
		changes := PlayerChanges{}
		if p.Ping != row.ping {
			p.Ping = row.ping
			changes.Ping = true
		}
		if p.Verified != row.verified {
			p.Verified = row.verified
			changes.Verified = true
		}
		if p.Lobby != row.lobby {
			p.Lobby = row.lobby
			changes.Lobby = true
		}
		if p.IP == "" && row.ip != "" {
			p.IP = row.ip
		}
		if changes.Ping || changes.Verified || changes.Lobby {
			r.emitPlayerUpdated(p, changes)
		}
		return
	}

	if row.guid == "" {
		c, ok := r.connecting[row.id]
		if !ok {
			c = &connectingPlayer{ID: row.id}
			r.connecting[row.id] = c
		}
		c.Name = row.name
		c.IP = row.ip
		return
	}

	if !r.rosterReady {
		p := &Player{
			ID: row.id, Name: row.name, IP: row.ip, GUID: row.guid,
			Ping: row.ping, Lobby: row.lobby, Verified: row.verified,
			ConnectedAt: time.Now(),
		}
		r.players[row.id] = p
		delete(r.connecting, row.id)
		// Rows of the initial roster dump emit their joins even though
		// rosterReady is still false; only inline joins are suppressed.
		if r.metrics != nil {
			r.metrics.rosterSize.Set(float64(len(r.players)))
		}
		r.emit(Event{Kind: EventPlayerJoin, Player: *p})
		return
	}

	// rosterReady is already true and no inline join was ever observed for
	// this id: a late join is never synthesized from the dump alone, only
	// from the guidVerified inline notification.
}

func (r *rosterEngine) emitPlayerJoin(p *Player) {
	if r.metrics != nil {
		r.metrics.rosterSize.Set(float64(len(r.players)))
	}
	if !r.rosterReady {
		return
	}
	r.emit(Event{Kind: EventPlayerJoin, Player: *p})
}

func (r *rosterEngine) emitPlayerLeave(p *Player, reason string) {
	if r.metrics != nil {
		r.metrics.rosterSize.Set(float64(len(r.players)))
	}
	if !r.rosterReady {
		return
	}
	r.emit(Event{Kind: EventPlayerLeave, Player: *p, Reason: reason})
}

func (r *rosterEngine) emitPlayerUpdated(p *Player, changes PlayerChanges) {
	if !r.rosterReady {
		return
	}
	r.emit(Event{Kind: EventPlayerUpdated, Player: *p, Changes: changes})
}

// snapshotLocked assumes r.mu is already held.
func (r *rosterEngine) snapshotLocked() []Player {
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	return out
}

func (r *rosterEngine) emit(ev Event) {
	if r.bus != nil {
		r.bus.emit(ev)
	}
}
