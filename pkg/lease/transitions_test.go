package lease

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/veesix-networks/osdhcpc/pkg/dhcp4"
	"github.com/veesix-networks/osdhcpc/pkg/timer"
)

func reply(msgType dhcp4.MessageType, xid uint32, addr string) *dhcp4.Message {
	msg := &dhcp4.Message{
		Op:      uint8(layers.DHCPOpReply),
		Type:    msgType,
		XID:     xid,
		Options: map[uint8][]byte{},
	}
	if addr != "" {
		msg.YourIP = net.ParseIP(addr).To4()
	}
	return msg
}

func withSeconds(msg *dhcp4.Message, code layers.DHCPOpt, secs uint32) *dhcp4.Message {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, secs)
	msg.Options[uint8(code)] = data
	return msg
}

func withServer(msg *dhcp4.Message, server string) *dhcp4.Message {
	msg.Options[uint8(layers.DHCPOptServerID)] = net.ParseIP(server).To4()
	return msg
}

func testOffer(xid uint32) *dhcp4.Message {
	msg := reply(dhcp4.DHCPOffer, xid, "192.168.1.50")
	withSeconds(msg, layers.DHCPOptLeaseTime, 3600)
	withServer(msg, "10.0.0.1")
	return msg
}

func testAck(xid uint32) *dhcp4.Message {
	msg := reply(dhcp4.DHCPAck, xid, "192.168.1.50")
	withSeconds(msg, layers.DHCPOptLeaseTime, 3600)
	withServer(msg, "10.0.0.1")
	return msg
}

// selectingMachine walks a fresh machine into SELECTING.
func selectingMachine(t *testing.T) (*Machine, *fakeClock) {
	t.Helper()
	m, clk := newTestMachine()
	if err := m.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	return m, clk
}

// requestingMachine walks a fresh machine into REQUESTING with the offer
// committed and the request already on the wire.
func requestingMachine(t *testing.T) (*Machine, *fakeClock) {
	t.Helper()
	m, clk := selectingMachine(t)
	if err := m.SelectOffer(testOffer(m.XID())); err != nil {
		t.Fatalf("SelectOffer: %v", err)
	}
	m.MarkRequestSent()
	return m, clk
}

// boundMachine walks a fresh machine into BOUND on a 3600s lease.
func boundMachine(t *testing.T) (*Machine, *fakeClock) {
	t.Helper()
	m, clk := requestingMachine(t)
	if err := m.Acknowledge(testAck(m.XID())); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	return m, clk
}

func TestStartDiscovery(t *testing.T) {
	m, _ := newTestMachine()

	if err := m.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if m.CurrentState() != Selecting {
		t.Errorf("state = %s, want SELECTING", m.CurrentState())
	}
	if m.ServerID() != nil {
		t.Error("discovery must forget any server")
	}
	if !m.Destination().Equal(net.IPv4bcast) {
		t.Errorf("destination = %s, want broadcast", m.Destination())
	}
	if m.OfferC() == nil {
		t.Error("offer-wait timer must be armed")
	}
	if m.AckC() != nil {
		t.Error("ack-wait timer must not be armed")
	}
	if m.RequestPending() {
		t.Error("discover sends are paced by the offer timer, not the pending flag")
	}
}

func TestStartDiscoveryOnlyFromInit(t *testing.T) {
	m, _ := boundMachine(t)

	err := m.StartDiscovery()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.CurrentState() != Bound {
		t.Errorf("state = %s, failed transition must not move the machine", m.CurrentState())
	}
}

func TestOfferTimeoutDoublesBackoff(t *testing.T) {
	m, _ := selectingMachine(t)

	want := []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second,
		64 * time.Second, 64 * time.Second}
	for i, interval := range want {
		if err := m.OfferTimeout(); err != nil {
			t.Fatalf("OfferTimeout #%d: %v", i+1, err)
		}
		if got := m.offerTimer.Interval(); got != interval {
			t.Errorf("interval after timeout #%d = %s, want %s", i+1, got, interval)
		}
		if m.CurrentState() != Selecting {
			t.Errorf("state = %s, discovery never exhausts", m.CurrentState())
		}
	}
}

func TestSelectOffer(t *testing.T) {
	m, _ := selectingMachine(t)

	if err := m.SelectOffer(testOffer(m.XID())); err != nil {
		t.Fatalf("SelectOffer: %v", err)
	}
	if m.CurrentState() != Requesting {
		t.Errorf("state = %s, want REQUESTING", m.CurrentState())
	}
	if !m.OfferedAddress().Equal(net.IPv4(192, 168, 1, 50)) {
		t.Errorf("offered address = %s", m.OfferedAddress())
	}
	if !m.ServerID().Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("server id = %s", m.ServerID())
	}
	if !m.Destination().Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("destination = %s, want offering server", m.Destination())
	}
	if !m.RequestPending() {
		t.Error("a request is owed after committing to an offer")
	}
	if m.AckC() == nil {
		t.Error("ack-wait timer must be armed")
	}
	if m.OfferC() != nil {
		t.Error("offer-wait timer must be stopped")
	}
}

func TestSelectOfferWithoutServerIDBroadcasts(t *testing.T) {
	m, _ := selectingMachine(t)

	msg := reply(dhcp4.DHCPOffer, m.XID(), "192.168.1.50")
	withSeconds(msg, layers.DHCPOptLeaseTime, 3600)

	if err := m.SelectOffer(msg); err != nil {
		t.Fatalf("SelectOffer: %v", err)
	}
	if m.ServerID() != nil {
		t.Error("no server id to learn")
	}
	if !m.Destination().Equal(net.IPv4bcast) {
		t.Errorf("destination = %s, want broadcast", m.Destination())
	}
}

func TestSelectOfferRejectsWrongXID(t *testing.T) {
	m, _ := selectingMachine(t)

	err := m.SelectOffer(testOffer(m.XID() + 1))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.CurrentState() != Selecting {
		t.Errorf("state = %s, want SELECTING", m.CurrentState())
	}
}

func TestSelectOfferRejectsMalformedOffer(t *testing.T) {
	m, _ := selectingMachine(t)

	noAddr := reply(dhcp4.DHCPOffer, m.XID(), "")
	withSeconds(noAddr, layers.DHCPOptLeaseTime, 3600)
	if err := m.SelectOffer(noAddr); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("offer without address: err = %v, want ErrMalformedMessage", err)
	}

	noLease := reply(dhcp4.DHCPOffer, m.XID(), "192.168.1.50")
	if err := m.SelectOffer(noLease); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("offer without lease time: err = %v, want ErrMalformedMessage", err)
	}

	if m.CurrentState() != Selecting {
		t.Errorf("state = %s, malformed offers must not move the machine", m.CurrentState())
	}
}

func TestAckTimeoutRetriesThenExhausts(t *testing.T) {
	m, _ := requestingMachine(t)

	// 4s, 8s, 16s, 32s, then 64s. The fire at the ceiling spends the budget.
	for i := 0; i < 4; i++ {
		if err := m.AckTimeout(); err != nil {
			t.Fatalf("AckTimeout #%d: %v", i+1, err)
		}
		if m.CurrentState() != Requesting {
			t.Fatalf("state = %s after retry #%d, want REQUESTING", m.CurrentState(), i+1)
		}
		if !m.RequestPending() {
			t.Errorf("retry #%d must owe another request", i+1)
		}
		m.MarkRequestSent()
	}

	if err := m.AckTimeout(); err != nil {
		t.Fatalf("AckTimeout at ceiling: %v", err)
	}
	if m.CurrentState() != Init {
		t.Errorf("state = %s, want INIT after retry budget spent", m.CurrentState())
	}
	if m.ServerID() != nil {
		t.Error("fallback to INIT must forget the server")
	}
	if m.AckC() != nil {
		t.Error("fallback to INIT must disarm the ack-wait timer")
	}
}

func TestNakRestartsAcquisition(t *testing.T) {
	m, _ := requestingMachine(t)

	if err := m.Nak(reply(dhcp4.DHCPNak, m.XID(), "")); err != nil {
		t.Fatalf("Nak: %v", err)
	}
	if m.CurrentState() != Init {
		t.Errorf("state = %s, want INIT", m.CurrentState())
	}
	if !m.Destination().Equal(net.IPv4bcast) {
		t.Errorf("destination = %s, want broadcast", m.Destination())
	}
}

func TestNakRejectsWrongXID(t *testing.T) {
	m, _ := requestingMachine(t)

	err := m.Nak(reply(dhcp4.DHCPNak, m.XID()+7, ""))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.CurrentState() != Requesting {
		t.Errorf("state = %s, want REQUESTING", m.CurrentState())
	}
}

func TestAcknowledgeBinds(t *testing.T) {
	m, clk := requestingMachine(t)
	clk.advance(time.Second)

	if err := m.Acknowledge(testAck(m.XID())); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if m.CurrentState() != Bound {
		t.Errorf("state = %s, want BOUND", m.CurrentState())
	}
	if !m.AssignedAddress().Equal(net.IPv4(192, 168, 1, 50)) {
		t.Errorf("assigned address = %s", m.AssignedAddress())
	}
	if m.Broadcast() {
		t.Error("bound client must stop asking for broadcast replies")
	}
	if m.RequestPending() {
		t.Error("nothing owed once bound")
	}
	if m.RenewalC() == nil {
		t.Error("renewal timer must be armed")
	}
	if m.AckC() != nil {
		t.Error("ack-wait timer must be disarmed")
	}
	if !m.boundAt.Equal(clk.t) {
		t.Errorf("boundAt = %s, want %s", m.boundAt, clk.t)
	}
	if m.renewalAfter != 1799*time.Second {
		t.Errorf("renewal stage = %s, want 1799s", m.renewalAfter)
	}

	snap := m.Snapshot()
	if snap.State != Bound || snap.LeaseSeconds != 3600 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAcknowledgeRejectsMalformedAck(t *testing.T) {
	m, _ := requestingMachine(t)

	noLease := reply(dhcp4.DHCPAck, m.XID(), "192.168.1.50")
	err := m.Acknowledge(noLease)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
	if m.CurrentState() != Requesting {
		t.Errorf("state = %s, want REQUESTING", m.CurrentState())
	}
}

func TestAcknowledgeOnlyInRequestingStates(t *testing.T) {
	m, _ := newTestMachine()

	err := m.Acknowledge(testAck(m.XID()))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRebootReconfirmsAddress(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewReboot(net.IPv4(192, 168, 1, 50).To4())
	m.now = clk.now

	if err := m.StartReboot(); err != nil {
		t.Fatalf("StartReboot: %v", err)
	}
	if m.CurrentState() != Rebooting {
		t.Errorf("state = %s, want REBOOTING", m.CurrentState())
	}
	if !m.RequestPending() {
		t.Error("a reconfirming request is owed")
	}
	if m.AckC() == nil {
		t.Error("ack-wait timer must be armed")
	}
	m.MarkRequestSent()

	if err := m.Acknowledge(testAck(m.XID())); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if m.CurrentState() != Bound {
		t.Errorf("state = %s, want BOUND", m.CurrentState())
	}
}

func TestRebootNakFallsBackToInit(t *testing.T) {
	m := NewReboot(net.IPv4(192, 168, 1, 50).To4())
	if err := m.StartReboot(); err != nil {
		t.Fatalf("StartReboot: %v", err)
	}

	if err := m.Nak(reply(dhcp4.DHCPNak, m.XID(), "")); err != nil {
		t.Fatalf("Nak: %v", err)
	}
	if m.CurrentState() != Init {
		t.Errorf("state = %s, want INIT", m.CurrentState())
	}
	if err := m.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery after refused reboot: %v", err)
	}
}

func TestRenewalDue(t *testing.T) {
	m, clk := boundMachine(t)

	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}
	if m.CurrentState() != Renewing {
		t.Errorf("state = %s, want RENEWING", m.CurrentState())
	}
	if !m.Destination().Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("destination = %s, renewal goes to the known server", m.Destination())
	}
	if !m.RequestPending() {
		t.Error("a renewal request is owed")
	}
	if m.RebindingC() == nil {
		t.Error("rebinding timer must be armed")
	}
	if m.RenewalC() != nil {
		t.Error("renewal timer must be disarmed")
	}
	wantDeadline := clk.t.Add(m.rebindingAfter)
	if !m.rebindingDeadline.Equal(wantDeadline) {
		t.Errorf("rebinding deadline = %s, want %s", m.rebindingDeadline, wantDeadline)
	}
}

func TestRetransmitDueRespectsPendingSend(t *testing.T) {
	m, _ := boundMachine(t)
	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}

	// The renewal is still owed, firing again must not queue a second one.
	if err := m.RetransmitDue(); err != nil {
		t.Fatalf("RetransmitDue: %v", err)
	}
	if !m.RequestPending() {
		t.Error("pending flag lost")
	}

	m.MarkRequestSent()
	if m.RequestPending() {
		t.Error("pending flag must clear on send")
	}
	if err := m.RetransmitDue(); err != nil {
		t.Fatalf("RetransmitDue: %v", err)
	}
	if !m.RequestPending() {
		t.Error("retry must owe a new request")
	}
}

func TestRebindingDue(t *testing.T) {
	m, clk := boundMachine(t)
	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}

	if err := m.RebindingDue(); err != nil {
		t.Fatalf("RebindingDue: %v", err)
	}
	if m.CurrentState() != Rebinding {
		t.Errorf("state = %s, want REBINDING", m.CurrentState())
	}
	if m.ServerID() != nil {
		t.Error("rebinding drops the unresponsive server")
	}
	if !m.Destination().Equal(net.IPv4bcast) {
		t.Errorf("destination = %s, want broadcast", m.Destination())
	}
	if !m.RequestPending() {
		t.Error("a rebinding request is owed")
	}
	if m.ExpirationC() == nil {
		t.Error("expiration timer must be armed")
	}
	if m.RebindingC() != nil {
		t.Error("rebinding timer must be disarmed")
	}
	wantDeadline := clk.t.Add(m.expirationAfter)
	if !m.expirationDeadline.Equal(wantDeadline) {
		t.Errorf("expiration deadline = %s, want %s", m.expirationDeadline, wantDeadline)
	}
}

func TestRebindingTimerHonorsFloor(t *testing.T) {
	// A 90s lease leaves a 33.75s rebinding stage; the armed timer must not
	// fire before the 60s floor.
	m, clk := selectingMachine(t)
	if err := m.SelectOffer(testOffer(m.XID())); err != nil {
		t.Fatalf("SelectOffer: %v", err)
	}
	m.MarkRequestSent()

	ack := reply(dhcp4.DHCPAck, m.XID(), "192.168.1.50")
	withSeconds(ack, layers.DHCPOptLeaseTime, 90)
	withServer(ack, "10.0.0.1")
	if err := m.Acknowledge(ack); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}
	if m.rebindingTimer.Duration() != 60*time.Second {
		t.Errorf("rebinding wait = %s, want 60s floor", m.rebindingTimer.Duration())
	}
	if !m.rebindingDeadline.Equal(clk.t.Add(60 * time.Second)) {
		t.Errorf("rebinding deadline = %s", m.rebindingDeadline)
	}
}

func TestExpire(t *testing.T) {
	m, _ := boundMachine(t)
	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}
	if err := m.RebindingDue(); err != nil {
		t.Fatalf("RebindingDue: %v", err)
	}

	if err := m.Expire(); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if m.CurrentState() != Init {
		t.Errorf("state = %s, want INIT", m.CurrentState())
	}
	if m.AssignedAddress() != nil {
		t.Error("expired lease must drop the address")
	}
	if !m.Broadcast() {
		t.Error("expired client must ask for broadcast replies again")
	}
	if m.ExpirationC() != nil {
		t.Error("expiration timer must be disarmed")
	}
}

func TestExpireOnlyFromRebinding(t *testing.T) {
	m, _ := boundMachine(t)

	err := m.Expire()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.CurrentState() != Bound {
		t.Errorf("state = %s, want BOUND", m.CurrentState())
	}
}

func TestRenewCycleReturnsToBound(t *testing.T) {
	m, clk := boundMachine(t)
	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}
	m.MarkRequestSent()
	clk.advance(time.Second)

	if err := m.Acknowledge(testAck(m.XID())); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if m.CurrentState() != Bound {
		t.Errorf("state = %s, want BOUND", m.CurrentState())
	}
	if m.RebindingC() != nil || m.AckC() != nil {
		t.Error("renewal timers must be replaced by a fresh T1")
	}
	if m.RenewalC() == nil {
		t.Error("fresh renewal timer must be armed")
	}
	if m.renewalAfter != 1799*time.Second {
		t.Errorf("renewal stage = %s, want 1799s", m.renewalAfter)
	}
}

func TestResetFromAnyState(t *testing.T) {
	m, _ := boundMachine(t)

	m.Reset()

	if m.CurrentState() != Init {
		t.Errorf("state = %s, want INIT", m.CurrentState())
	}
	if m.AssignedAddress() != nil || m.OfferedAddress() != nil || m.ServerID() != nil {
		t.Error("reset must clear the lease record")
	}
	if !m.Broadcast() {
		t.Error("reset must restore broadcast replies")
	}
	if m.RenewalC() != nil {
		t.Error("reset must disarm all timers")
	}

	// Reset in INIT is harmless.
	m.Reset()
	if m.CurrentState() != Init {
		t.Errorf("state = %s, want INIT", m.CurrentState())
	}
}

func TestTimerEventsRejectedOutOfState(t *testing.T) {
	m, _ := newTestMachine()

	cases := []struct {
		name string
		call func() error
	}{
		{"offer timeout", m.OfferTimeout},
		{"ack timeout", m.AckTimeout},
		{"renewal due", m.RenewalDue},
		{"retransmit due", m.RetransmitDue},
		{"rebinding due", m.RebindingDue},
		{"expire", m.Expire},
		{"start reboot", m.StartReboot},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s in INIT: err = %v, want ErrInvalidTransition", tc.name, err)
		}
	}
	if m.CurrentState() != Init {
		t.Errorf("state = %s, rejected events must not move the machine", m.CurrentState())
	}
}

func TestAckTimeoutRequiresBackoffSlot(t *testing.T) {
	m, _ := boundMachine(t)
	if err := m.RenewalDue(); err != nil {
		t.Fatalf("RenewalDue: %v", err)
	}
	m.MarkRequestSent()

	// The ack slot holds the floor pacer now; the backoff path must refuse.
	m.state = Requesting
	if _, ok := m.ackTimer.(*timer.Floor); !ok {
		t.Fatalf("ack slot holds %T, want floor pacer", m.ackTimer)
	}
	if err := m.AckTimeout(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}
