package lease

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/veesix-networks/osdhcpc/pkg/dhcp4"
	"github.com/veesix-networks/osdhcpc/pkg/timer"
)

var (
	// ErrInvalidTransition marks an event delivered in a state whose edge
	// set does not include it. This is a defect in the caller, not a
	// network condition, and must stop the session.
	ErrInvalidTransition = errors.New("illegal state transition")

	// ErrMalformedMessage marks a server message missing a field the RFC
	// requires. The transition is abandoned without touching state.
	ErrMalformedMessage = errors.New("malformed message")
)

func (m *Machine) guard(event string, allowed ...State) error {
	for _, s := range allowed {
		if m.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, event, m.state)
}

func (m *Machine) matchXID(msg *dhcp4.Message) error {
	if msg.XID != m.xid {
		return fmt.Errorf("%w: xid %#08x does not match session %#08x",
			ErrInvalidTransition, msg.XID, m.xid)
	}
	return nil
}

// StartDiscovery moves INIT to SELECTING: fresh transaction id, no server,
// offer-wait backoff armed. The caller owes a discover message paced by the
// offer-wait timer, not by the request-pending flag.
func (m *Machine) StartDiscovery() error {
	if err := m.guard("start discovery", Init); err != nil {
		return err
	}

	m.xid = rand.Uint32()
	m.serverID = nil
	m.destination = broadcastAddr
	m.requestPending = false
	m.stopTimers()
	m.offerTimer = timer.NewBackoff(backoffInitial, backoffCeiling)
	m.setState(Selecting)
	return nil
}

// OfferTimeout restarts the offer-wait backoff after a discover went
// unanswered. The caller re-sends the discover. Discovery never exhausts.
func (m *Machine) OfferTimeout() error {
	if err := m.guard("offer timeout", Selecting); err != nil {
		return err
	}

	m.offerTimer.Restart()
	m.logger.Debug("No offer received, retrying discovery",
		"next_interval", m.offerTimer.Interval(), "xid", m.xid)
	return nil
}

// SelectOffer commits to a server's offer and moves SELECTING to
// REQUESTING with the ack-wait backoff armed and a request owed.
func (m *Machine) SelectOffer(offer *dhcp4.Message) error {
	if err := m.guard("select offer", Selecting); err != nil {
		return err
	}
	if err := m.matchXID(offer); err != nil {
		return err
	}
	if offer.YourIP == nil || offer.YourIP.IsUnspecified() {
		return fmt.Errorf("%w: offer carries no address", ErrMalformedMessage)
	}
	leaseTime, ok := offer.LeaseTime()
	if !ok {
		return fmt.Errorf("%w: offer carries no lease time", ErrMalformedMessage)
	}

	m.offeredAddr = offer.YourIP
	m.offeredLease = leaseTime
	if serverID, ok := offer.ServerID(); ok {
		m.serverID = serverID
		m.destination = serverID
	} else {
		m.destination = broadcastAddr
	}

	m.requestPending = true
	m.requestedAt = m.now()
	m.stopTimers()
	m.ackTimer = timer.NewBackoff(backoffInitial, backoffCeiling)
	m.setState(Requesting)
	return nil
}

// AckTimeout handles the ack-wait backoff firing in REQUESTING or
// REBOOTING. Below the ceiling it re-arms and owes another request; at the
// ceiling the retry budget is spent and the machine falls back to INIT.
func (m *Machine) AckTimeout() error {
	if err := m.guard("ack timeout", Requesting, Rebooting); err != nil {
		return err
	}

	backoff, ok := m.ackTimer.(*timer.Backoff)
	if !ok {
		return fmt.Errorf("%w: ack timer is not a backoff while %s",
			ErrInvalidTransition, m.state)
	}

	if backoff.AtCeiling() {
		m.logger.Info("Request retries exhausted, restarting acquisition",
			"state", m.state, "xid", m.xid)
		m.enterInit()
		return nil
	}

	backoff.Restart()
	m.requestPending = true
	m.logger.Debug("No acknowledgement received, retrying request",
		"next_interval", backoff.Interval(), "xid", m.xid)
	return nil
}

// Nak handles a server rejection of the pending request and falls back to
// INIT to restart acquisition.
func (m *Machine) Nak(nak *dhcp4.Message) error {
	if err := m.guard("nak", Requesting, Rebooting); err != nil {
		return err
	}
	if err := m.matchXID(nak); err != nil {
		return err
	}

	m.logger.Info("Request refused by server", "state", m.state, "xid", m.xid)
	m.enterInit()
	return nil
}

// Acknowledge commits a server acknowledgement and moves to BOUND: address
// recorded, stage countdowns derived, T1 armed. Legal from REQUESTING,
// REBOOTING, RENEWING and REBINDING.
func (m *Machine) Acknowledge(ack *dhcp4.Message) error {
	if err := m.guard("acknowledge", Requesting, Rebooting, Renewing, Rebinding); err != nil {
		return err
	}
	if err := m.matchXID(ack); err != nil {
		return err
	}
	if ack.YourIP == nil || ack.YourIP.IsUnspecified() {
		return fmt.Errorf("%w: acknowledgement carries no address", ErrMalformedMessage)
	}
	leaseTime, ok := ack.LeaseTime()
	if !ok {
		return fmt.Errorf("%w: acknowledgement carries no lease time", ErrMalformedMessage)
	}

	if serverID, ok := ack.ServerID(); ok {
		m.serverID = serverID
		m.destination = serverID
	}

	renewal, hasRenewal := ack.RenewalTime()
	rebinding, hasRebinding := ack.RebindingTime()
	m.deriveIntervals(leaseTime, renewal, hasRenewal, rebinding, hasRebinding)

	m.assignedAddr = ack.YourIP
	m.broadcast = false
	m.requestPending = false
	m.boundAt = m.now()
	m.stopTimers()
	m.renewalTimer = timer.NewDeadline(m.renewalAfter)
	m.setState(Bound)
	return nil
}

// StartReboot moves INIT-REBOOT to REBOOTING to reconfirm the held address:
// ack-wait backoff armed, broadcast request owed.
func (m *Machine) StartReboot() error {
	if err := m.guard("start reboot", InitReboot); err != nil {
		return err
	}

	m.requestPending = true
	m.requestedAt = m.now()
	m.stopTimers()
	m.ackTimer = timer.NewBackoff(backoffInitial, backoffCeiling)
	m.setState(Rebooting)
	return nil
}

// RenewalDue handles T1 firing in BOUND: the machine owes the known server
// a unicast renewal, with T2 armed behind the retry floor.
func (m *Machine) RenewalDue() error {
	if err := m.guard("renewal due", Bound); err != nil {
		return err
	}

	m.stopTimers()
	m.rebindingTimer = timer.NewFloor(m.rebindingAfter, retryFloor)
	m.rebindingDeadline = m.now().Add(m.rebindingTimer.Duration())
	if m.serverID != nil {
		m.destination = m.serverID
	}
	m.requestPending = true
	m.setState(Renewing)
	return nil
}

// RetransmitDue handles the half-remaining-time pacer firing in RENEWING or
// REBINDING. A send still owed makes this a no-op so a single retry is ever
// outstanding.
func (m *Machine) RetransmitDue() error {
	if err := m.guard("retransmit due", Renewing, Rebinding); err != nil {
		return err
	}

	if m.requestPending {
		return nil
	}
	m.requestPending = true
	m.logger.Debug("No acknowledgement received, retrying request",
		"state", m.state, "xid", m.xid)
	return nil
}

// RebindingDue handles T2 firing in RENEWING: the original server stopped
// answering, so the server id is dropped and a broadcast request is owed
// until the expiration deadline.
func (m *Machine) RebindingDue() error {
	if err := m.guard("rebinding due", Renewing); err != nil {
		return err
	}

	m.stopTimers()
	m.serverID = nil
	m.destination = broadcastAddr
	m.expirationTimer = timer.NewFloor(m.expirationAfter, retryFloor)
	m.expirationDeadline = m.now().Add(m.expirationTimer.Duration())
	m.requestPending = true
	m.setState(Rebinding)
	return nil
}

// Expire handles the expiration deadline firing in REBINDING. The lease is
// gone: the address must come off the interface and future replies must be
// broadcast again.
func (m *Machine) Expire() error {
	if err := m.guard("expire", Rebinding); err != nil {
		return err
	}

	m.logger.Info("Lease expired without renewal", "address", m.assignedAddr, "xid", m.xid)
	m.assignedAddr = nil
	m.broadcast = true
	m.enterInit()
	return nil
}

// Reset returns the machine to INIT semantics from any state. Used on
// operator release, declined addresses and fatal lease loss; not an edge of
// the protocol itself.
func (m *Machine) Reset() {
	m.logger.Info("Resetting lease session", "state", m.state, "xid", m.xid)
	m.offeredAddr = nil
	m.offeredLease = 0
	m.assignedAddr = nil
	m.broadcast = true
	m.enterInit()
}

func (m *Machine) enterInit() {
	m.stopTimers()
	m.serverID = nil
	m.destination = broadcastAddr
	m.requestPending = false
	m.setState(Init)
}
