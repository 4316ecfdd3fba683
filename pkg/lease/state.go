package lease

import (
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/veesix-networks/osdhcpc/pkg/logger"
	"github.com/veesix-networks/osdhcpc/pkg/timer"
)

type State uint8

const (
	Init State = iota
	Selecting
	Requesting
	InitReboot
	Rebooting
	Bound
	Renewing
	Rebinding
)

var stateNames = []string{
	"INIT",
	"SELECTING",
	"REQUESTING",
	"INIT-REBOOT",
	"REBOOTING",
	"BOUND",
	"RENEWING",
	"REBINDING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

const (
	backoffInitial = 4 * time.Second
	backoffCeiling = 64 * time.Second
	retryFloor     = 60 * time.Second

	renewalFactor   = 0.5
	rebindingFactor = 0.875
)

var broadcastAddr = net.IPv4bcast

// Machine is the client's lease record and state machine. It is owned by a
// single event loop goroutine; nothing here is safe for concurrent use.
// Timers are armed and disarmed only by transitions, and at most the slots
// relevant to the current state hold a live handle.
type Machine struct {
	state       State
	destination net.IP
	broadcast   bool
	xid         uint32

	offeredAddr  net.IP
	offeredLease uint32
	serverID     net.IP
	assignedAddr net.IP

	requestPending bool
	requestedAt    time.Time
	boundAt        time.Time

	renewalAfter    time.Duration
	rebindingAfter  time.Duration
	expirationAfter time.Duration

	rebindingDeadline  time.Time
	expirationDeadline time.Time

	offerTimer *timer.Backoff
	// Paces request retransmission: exponential backoff while REQUESTING or
	// REBOOTING, floor-guarded half-remaining-time while RENEWING or
	// REBINDING.
	ackTimer        timer.Timer
	renewalTimer    *timer.Deadline
	rebindingTimer  *timer.Floor
	expirationTimer *timer.Floor

	logger *slog.Logger
	now    func() time.Time
}

// New returns a machine in INIT with no server known.
func New() *Machine {
	return &Machine{
		state:       Init,
		destination: broadcastAddr,
		broadcast:   true,
		xid:         rand.Uint32(),
		logger:      logger.Get(logger.Lease),
		now:         time.Now,
	}
}

// NewReboot returns a machine in INIT-REBOOT holding a previously assigned
// address to reconfirm.
func NewReboot(addr net.IP) *Machine {
	m := New()
	m.state = InitReboot
	m.offeredAddr = addr
	return m
}

func (m *Machine) CurrentState() State     { return m.state }
func (m *Machine) Destination() net.IP     { return m.destination }
func (m *Machine) Broadcast() bool         { return m.broadcast }
func (m *Machine) XID() uint32             { return m.xid }
func (m *Machine) RequestPending() bool    { return m.requestPending }
func (m *Machine) OfferedAddress() net.IP  { return m.offeredAddr }
func (m *Machine) AssignedAddress() net.IP { return m.assignedAddr }
func (m *Machine) ServerID() net.IP        { return m.serverID }

// Timer channel accessors for the event loop select. An empty slot yields a
// nil channel, which never becomes ready.

func (m *Machine) OfferC() <-chan time.Time {
	if m.offerTimer == nil {
		return nil
	}
	return m.offerTimer.C()
}

func (m *Machine) AckC() <-chan time.Time {
	if m.ackTimer == nil {
		return nil
	}
	return m.ackTimer.C()
}

func (m *Machine) RenewalC() <-chan time.Time {
	if m.renewalTimer == nil {
		return nil
	}
	return m.renewalTimer.C()
}

func (m *Machine) RebindingC() <-chan time.Time {
	if m.rebindingTimer == nil {
		return nil
	}
	return m.rebindingTimer.C()
}

func (m *Machine) ExpirationC() <-chan time.Time {
	if m.expirationTimer == nil {
		return nil
	}
	return m.expirationTimer.C()
}

// MarkRequestSent is the transport's confirmation that the owed message went
// out. It stamps the request time and, while renewing or rebinding, arms the
// next retransmission at half the time remaining to the stage deadline,
// never sooner than the floor.
func (m *Machine) MarkRequestSent() {
	m.requestPending = false
	m.requestedAt = m.now()

	switch m.state {
	case Renewing:
		m.armRetransmit(m.rebindingDeadline)
	case Rebinding:
		m.armRetransmit(m.expirationDeadline)
	}
}

func (m *Machine) armRetransmit(deadline time.Time) {
	if m.ackTimer != nil {
		m.ackTimer.Stop()
	}
	remaining := deadline.Sub(m.now())
	m.ackTimer = timer.NewFloor(remaining/2, retryFloor)
}

// deriveIntervals turns the server-granted times into the three stage
// countdowns: request-to-T1 (less the response latency), T1-to-T2 and
// T2-to-expiry. Missing T1/T2 fall back to the 0.5 and 0.875 lease
// fractions. Degenerate server values are clamped at zero.
func (m *Machine) deriveIntervals(leaseSecs uint32, renewSecs uint32, hasRenew bool, rebindSecs uint32, hasRebind bool) {
	expiration := time.Duration(leaseSecs) * time.Second

	renewal := time.Duration(float64(expiration) * renewalFactor)
	if hasRenew {
		renewal = time.Duration(renewSecs) * time.Second
	}

	rebinding := time.Duration(float64(expiration) * rebindingFactor)
	if hasRebind {
		rebinding = time.Duration(rebindSecs) * time.Second
	}

	elapsed := m.now().Sub(m.requestedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	m.renewalAfter = m.clampInterval("renewal", renewal-elapsed)
	m.rebindingAfter = m.clampInterval("rebinding", rebinding-renewal)
	m.expirationAfter = m.clampInterval("expiration", expiration-rebinding)
	m.offeredLease = leaseSecs
}

func (m *Machine) clampInterval(name string, d time.Duration) time.Duration {
	if d < 0 {
		m.logger.Warn("Server supplied degenerate lease timing, clamping",
			"interval", name, "computed", d)
		return 0
	}
	return d
}

func (m *Machine) setState(to State) {
	from := m.state
	m.state = to
	m.logger.Debug("State transition", "from", from, "to", to, "xid", m.xid)
}

func (m *Machine) stopTimers() {
	if m.offerTimer != nil {
		m.offerTimer.Stop()
		m.offerTimer = nil
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	if m.renewalTimer != nil {
		m.renewalTimer.Stop()
		m.renewalTimer = nil
	}
	if m.rebindingTimer != nil {
		m.rebindingTimer.Stop()
		m.rebindingTimer = nil
	}
	if m.expirationTimer != nil {
		m.expirationTimer.Stop()
		m.expirationTimer = nil
	}
}

// Snapshot is a copy of the observable record for consumers outside the
// event loop.
type Snapshot struct {
	State           State
	XID             uint32
	Broadcast       bool
	RequestPending  bool
	Destination     net.IP
	OfferedAddress  net.IP
	ServerID        net.IP
	AssignedAddress net.IP
	LeaseSeconds    uint32
	BoundAt         time.Time
	RenewalAfter    time.Duration
	RebindingAfter  time.Duration
	ExpirationAfter time.Duration
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:           m.state,
		XID:             m.xid,
		Broadcast:       m.broadcast,
		RequestPending:  m.requestPending,
		Destination:     m.destination,
		OfferedAddress:  m.offeredAddr,
		ServerID:        m.serverID,
		AssignedAddress: m.assignedAddr,
		LeaseSeconds:    m.offeredLease,
		BoundAt:         m.boundAt,
		RenewalAfter:    m.renewalAfter,
		RebindingAfter:  m.rebindingAfter,
		ExpirationAfter: m.expirationAfter,
	}
}
