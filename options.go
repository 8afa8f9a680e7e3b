package rconclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default clamps on timing options.
const (
	minPlayerUpdateInterval = 1000 * time.Millisecond
	maxPlayerUpdateInterval = 40000 * time.Millisecond
	defaultPlayerUpdate     = 5000 * time.Millisecond
	defaultIdleLimit        = 10 * time.Second
	loginDeadline           = 5 * time.Second
	heartbeatIdleThreshold  = 20 * time.Second
	resendInterval          = 2 * time.Second
	partQuietInterval       = 750 * time.Millisecond
	defaultMaxAttempts      = 5
	reconnectDelayMin       = 1 * time.Second
	reconnectDelayMax       = 5 * time.Second
	reassemblyGCAge         = 10 * time.Second
	tickInterval            = 1 * time.Second
)

// Options configures a new Session. The clamping here follows a
// seed-then-clamp pattern, applied to a process-lifetime struct since
// on-disk persistence is out of scope.
type Options struct {
	// Host and Port identify the RCON server's UDP endpoint.
	Host string
	Port uint16

	// Password is sent in the login handshake.
	Password string

	// AutoReconnect enables the reconnect policy. Defaults to true.
	AutoReconnect bool

	// PlayerUpdateInterval is how often the `players` roster dump is
	// polled. Clamped to [1s, 40s]; zero means "use the default" (5s).
	PlayerUpdateInterval time.Duration

	// IdleLimit is the watchdog timeout: the session closes if no inbound
	// frame is seen within this window. Zero means "use the default" (10s).
	// Must be ≤ 45s (the server's own inactivity cutoff) or it is clamped.
	IdleLimit time.Duration

	// MaxAttempts bounds how many times a command is sent (the first send
	// plus resends) before the Scheduler gives up.
	// Zero means "use the default" (5). Values below 5 are raised to 5.
	MaxAttempts int

	// Datagrams, if non-nil, is used instead of dialing a real UDP socket.
	// Intended for tests and for hosts that want to multiplex a shared
	// socket across multiple sessions.
	Datagrams Datagrams

	// Registerer, if non-nil, receives the Session's Prometheus collectors.
	// A host that wants to share one registry across multiple Sessions
	// should pass the same Registerer to each; an AlreadyRegisteredError
	// from a repeated const-label set is not treated as fatal.
	Registerer prometheus.Registerer
}

// NewOptions returns Options seeded with sane defaults (AutoReconnect true,
// a 5s player-update poll, a 10s idle watchdog). Callers that build an
// Options literal directly are responsible for setting AutoReconnect
// themselves — Go's zero value for bool is false, so only the constructor
// path gets the documented default of true.
func NewOptions(host string, port uint16, password string) Options {
	return Options{
		Host:                 host,
		Port:                 port,
		Password:             password,
		AutoReconnect:        true,
		PlayerUpdateInterval: defaultPlayerUpdate,
		IdleLimit:            defaultIdleLimit,
		MaxAttempts:          defaultMaxAttempts,
	}
}

// normalize returns a copy of o with every zero-value field replaced by its
// default and every out-of-range field clamped, following the same
// clamp-on-read idiom as server_addr.go's port validation.
func (o Options) normalize() Options {
	if o.PlayerUpdateInterval == 0 {
		o.PlayerUpdateInterval = defaultPlayerUpdate
	}
	if o.PlayerUpdateInterval < minPlayerUpdateInterval {
		o.PlayerUpdateInterval = minPlayerUpdateInterval
	}
	if o.PlayerUpdateInterval > maxPlayerUpdateInterval {
		o.PlayerUpdateInterval = maxPlayerUpdateInterval
	}

	if o.IdleLimit == 0 {
		o.IdleLimit = defaultIdleLimit
	}
	const serverInactivityBudget = 45 * time.Second
	if o.IdleLimit > serverInactivityBudget {
		o.IdleLimit = serverInactivityBudget
	}

	if o.MaxAttempts < defaultMaxAttempts {
		o.MaxAttempts = defaultMaxAttempts
	}

	return o
}
