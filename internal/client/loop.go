package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket/layers"
	"inet.af/netaddr"

	"github.com/veesix-networks/osdhcpc/pkg/arp"
	"github.com/veesix-networks/osdhcpc/pkg/dhcp4"
	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/lease"
	"github.com/veesix-networks/osdhcpc/pkg/leasedb"
)

const (
	probeCount    = 2
	probeInterval = time.Second

	// Wait after declining an address before acquiring again, per RFC 2131.
	declineDelay = 10 * time.Second
)

// run is the session event loop and the only goroutine touching the
// machine. Timer slots expose nil channels when unarmed, so a fired and
// then disarmed timer can never deliver a stale event.
func (c *Client) run() {
	if err := c.begin(); err != nil {
		c.fatal(err)
		return
	}

	for {
		var err error

		select {
		case <-c.Ctx.Done():
			c.shutdown()
			return
		case msg := <-c.conn.Messages():
			err = c.handleMessage(msg)
		case <-c.machine.OfferC():
			err = c.handleOfferTimeout()
		case <-c.machine.AckC():
			err = c.handleAckTimer()
		case <-c.machine.RenewalC():
			err = c.handleRenewalDue()
		case <-c.machine.RebindingC():
			err = c.handleRebindingDue()
		case <-c.machine.ExpirationC():
			err = c.handleExpiration()
		case <-c.restartC():
			err = c.beginDiscovery()
		case cmd := <-c.commands:
			err = c.handleCommand(cmd)
		}

		if err != nil {
			c.fatal(err)
			return
		}
	}
}

func (c *Client) begin() error {
	if c.machine.CurrentState() == lease.InitReboot {
		if err := c.machine.StartReboot(); err != nil {
			return err
		}
		c.publish(events.LeaseRebooting)
		c.pump()
		return nil
	}
	return c.beginDiscovery()
}

func (c *Client) beginDiscovery() error {
	c.restartTimer = nil

	if err := c.machine.StartDiscovery(); err != nil {
		return err
	}
	c.publish(events.LeaseDiscovering)
	c.sendDiscover()
	return nil
}

func (c *Client) handleMessage(msg *dhcp4.Message) error {
	if msg.XID != c.machine.XID() {
		c.logger.Debug("Ignoring reply for foreign transaction",
			"xid", msg.XID, "session_xid", c.machine.XID())
		return nil
	}

	switch msg.Type {
	case dhcp4.DHCPOffer:
		return c.handleOffer(msg)
	case dhcp4.DHCPAck:
		return c.handleAck(msg)
	case dhcp4.DHCPNak:
		return c.handleNak(msg)
	default:
		c.logger.Debug("Ignoring unexpected message", "type", msg.Type.String())
		return nil
	}
}

func (c *Client) handleOffer(offer *dhcp4.Message) error {
	if c.machine.CurrentState() != lease.Selecting {
		c.logger.Debug("Ignoring late offer", "state", c.machine.CurrentState().String())
		return nil
	}

	serverID, _ := offer.ServerID()
	if !c.serverPermitted(serverID) {
		c.logger.Debug("Ignoring offer from filtered server", "server", serverID)
		return nil
	}

	if err := c.machine.SelectOffer(offer); err != nil {
		if errors.Is(err, lease.ErrMalformedMessage) {
			c.logger.Warn("Discarding malformed offer", "server", serverID, "error", err)
			return nil
		}
		return err
	}

	c.logger.Info("Offer selected",
		"address", c.machine.OfferedAddress(), "server", c.machine.ServerID())
	c.publish(events.LeaseRequesting)
	c.pump()
	return nil
}

func (c *Client) handleAck(ack *dhcp4.Message) error {
	state := c.machine.CurrentState()
	switch state {
	case lease.Requesting, lease.Rebooting, lease.Renewing, lease.Rebinding:
	default:
		c.logger.Debug("Ignoring late acknowledgement", "state", state.String())
		return nil
	}

	// A newly granted address gets probed before we commit to it; an
	// address we are already using does not.
	fresh := state == lease.Requesting || state == lease.Rebooting
	if fresh && c.cfg.Client.DuplicateDetectEnabled() &&
		ack.YourIP != nil && !ack.YourIP.IsUnspecified() && c.addressInUse(ack.YourIP) {
		return c.declineAddress(ack)
	}

	if err := c.machine.Acknowledge(ack); err != nil {
		if errors.Is(err, lease.ErrMalformedMessage) {
			c.logger.Warn("Discarding malformed acknowledgement", "error", err)
			return nil
		}
		return err
	}

	c.bind(ack)
	return nil
}

func (c *Client) handleNak(nak *dhcp4.Message) error {
	state := c.machine.CurrentState()
	switch state {
	case lease.Requesting, lease.Rebooting:
	case lease.Renewing, lease.Rebinding:
		// The lease stands until its own timers run out.
		c.logger.Warn("Ignoring refusal while holding a bound lease", "state", state.String())
		return nil
	default:
		c.logger.Debug("Ignoring late refusal", "state", state.String())
		return nil
	}

	wasReboot := state == lease.Rebooting
	if err := c.machine.Nak(nak); err != nil {
		return err
	}

	if wasReboot {
		if err := c.store.Delete(c.Ctx, c.cfg.Interface); err != nil {
			c.logger.Warn("Failed to drop lease checkpoint", "error", err)
		}
	}

	c.publish(events.LeaseRefused)
	return c.beginDiscovery()
}

func (c *Client) handleOfferTimeout() error {
	if err := c.machine.OfferTimeout(); err != nil {
		return err
	}
	c.sendDiscover()
	return nil
}

func (c *Client) handleAckTimer() error {
	switch c.machine.CurrentState() {
	case lease.Requesting, lease.Rebooting:
		if err := c.machine.AckTimeout(); err != nil {
			return err
		}
		if c.machine.CurrentState() == lease.Init {
			return c.beginDiscovery()
		}
		c.publish(events.LeaseRetransmit)
		c.pump()
	case lease.Renewing, lease.Rebinding:
		if err := c.machine.RetransmitDue(); err != nil {
			return err
		}
		c.publish(events.LeaseRetransmit)
		c.pump()
	default:
		return fmt.Errorf("%w: ack timer fired while %s",
			lease.ErrInvalidTransition, c.machine.CurrentState())
	}
	return nil
}

func (c *Client) handleRenewalDue() error {
	if err := c.machine.RenewalDue(); err != nil {
		return err
	}
	c.logger.Info("Renewal due",
		"address", c.machine.AssignedAddress(), "server", c.machine.ServerID())
	c.publish(events.LeaseRenewing)
	c.pump()
	return nil
}

func (c *Client) handleRebindingDue() error {
	if err := c.machine.RebindingDue(); err != nil {
		return err
	}
	c.logger.Warn("Server unresponsive, rebinding", "address", c.machine.AssignedAddress())
	c.publish(events.LeaseRebinding)
	c.pump()
	return nil
}

func (c *Client) handleExpiration() error {
	addr := c.machine.AssignedAddress()
	if err := c.machine.Expire(); err != nil {
		return err
	}

	c.teardown(c.Ctx)
	c.publishWith(events.LeaseExpired, addr)
	return c.beginDiscovery()
}

func (c *Client) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdSnapshot:
		cmd.reply <- commandResult{snapshot: c.machine.Snapshot()}
		return nil

	case cmdRenew:
		err := c.machine.RenewalDue()
		if err == nil {
			c.logger.Info("Renewing on operator request", "address", c.machine.AssignedAddress())
			c.publish(events.LeaseRenewing)
			c.pump()
		}
		cmd.reply <- commandResult{err: err}
		return nil

	case cmdRelease:
		cmd.reply <- commandResult{err: c.release()}
		return nil

	case cmdRestart:
		c.logger.Info("Restarting acquisition on operator request")
		c.machine.Reset()
		err := c.beginDiscovery()
		cmd.reply <- commandResult{err: err}
		return err
	}
	return nil
}

func (c *Client) release() error {
	snap := c.machine.Snapshot()
	if snap.AssignedAddress == nil {
		return fmt.Errorf("%w: release while %s", lease.ErrInvalidTransition, snap.State)
	}

	c.logger.Info("Releasing lease on operator request",
		"address", snap.AssignedAddress, "server", snap.ServerID)

	msg := c.builder.Release(snap.XID, snap.AssignedAddress, snap.ServerID)
	if err := c.sendTo(msg, snap.AssignedAddress, snap.ServerID); err != nil {
		c.logger.Warn("Failed to send release", "error", err)
	}

	c.publishWith(events.LeaseReleased, snap.AssignedAddress)
	c.machine.Reset()
	c.teardown(c.Ctx)
	return nil
}

// pump sends the message the machine owes, if any, and confirms the send.
func (c *Client) pump() {
	if !c.machine.RequestPending() {
		return
	}

	var msg *layers.DHCPv4
	switch c.machine.CurrentState() {
	case lease.Requesting:
		msg = c.builder.Request(c.machine.XID(), c.machine.OfferedAddress(),
			c.machine.ServerID(), c.machine.Broadcast())
	case lease.Rebooting:
		msg = c.builder.Request(c.machine.XID(), c.machine.OfferedAddress(),
			nil, c.machine.Broadcast())
	case lease.Renewing, lease.Rebinding:
		msg = c.builder.Renew(c.machine.XID(), c.machine.AssignedAddress(),
			c.machine.Broadcast())
	default:
		return
	}

	if err := c.send(msg); err != nil {
		c.logger.Error("Failed to send request",
			"state", c.machine.CurrentState().String(), "error", err)
		return
	}

	c.machine.MarkRequestSent()
	c.logger.Debug("Request sent", "state", c.machine.CurrentState().String(),
		"destination", c.machine.Destination(), "xid", c.machine.XID())
}

func (c *Client) sendDiscover() {
	msg := c.builder.Discover(c.machine.XID(), c.machine.Broadcast())
	if err := c.conn.SendDHCP(msg, nil, net.IPv4bcast); err != nil {
		c.logger.Error("Failed to send discover", "error", err)
		return
	}
	c.logger.Debug("Discover sent", "xid", c.machine.XID())
}

// send routes by the session's addressing: an unbound client can only
// broadcast, a bound one sends from its address to the machine's
// destination.
func (c *Client) send(msg *layers.DHCPv4) error {
	return c.sendTo(msg, c.machine.AssignedAddress(), c.machine.Destination())
}

func (c *Client) sendTo(msg *layers.DHCPv4, src, dst net.IP) error {
	if src == nil {
		return c.conn.SendDHCP(msg, nil, net.IPv4bcast)
	}
	if dst == nil {
		dst = net.IPv4bcast
	}
	return c.conn.SendDHCP(msg, src, dst)
}

// addressInUse probes the segment for another holder of addr. Blocking the
// loop here is deliberate: no lease timer is due while an acknowledgement
// is being committed.
func (c *Client) addressInUse(addr net.IP) bool {
	for i := 0; i < probeCount; i++ {
		if err := c.conn.SendARP(arp.BuildProbe(c.conn.MAC(), addr)); err != nil {
			c.logger.Warn("Failed to send address probe", "error", err)
			return false
		}

		wait := time.NewTimer(probeInterval)
	listen:
		for {
			select {
			case <-c.Ctx.Done():
				wait.Stop()
				return false
			case pkt := <-c.conn.ARP():
				if pkt.ConflictsWith(addr, c.conn.MAC()) {
					wait.Stop()
					c.logger.Warn("Address already in use on segment",
						"address", addr, "claimed_by", pkt.SenderMAC.String())
					return true
				}
			case <-wait.C:
				break listen
			}
		}
	}
	return false
}

func (c *Client) declineAddress(ack *dhcp4.Message) error {
	serverID, _ := ack.ServerID()

	c.logger.Warn("Declining address", "address", ack.YourIP, "server", serverID)

	msg := c.builder.Decline(c.machine.XID(), ack.YourIP, serverID)
	if err := c.conn.SendDHCP(msg, nil, net.IPv4bcast); err != nil {
		c.logger.Error("Failed to send decline", "error", err)
	}

	c.publishWith(events.LeaseDeclined, ack.YourIP)
	c.machine.Reset()
	c.scheduleRestart(declineDelay)
	return nil
}

// bind commits a fresh acknowledgement: interface configuration, announce,
// checkpoint, event.
func (c *Client) bind(ack *dhcp4.Message) {
	snap := c.machine.Snapshot()

	mask, ok := ack.SubnetMask()
	if !ok {
		mask = snap.AssignedAddress.DefaultMask()
	}
	routers, _ := ack.Routers()
	dns, _ := ack.DNSServers()

	c.logger.Info("Lease bound",
		"address", snap.AssignedAddress, "server", snap.ServerID,
		"lease_seconds", snap.LeaseSeconds, "renewal_in", snap.RenewalAfter)

	if c.netconf != nil {
		if err := c.netconf.Apply(snap.AssignedAddress, mask, routers); err != nil {
			c.logger.Error("Failed to configure interface", "error", err)
		}
	}

	if err := c.conn.SendARP(arp.BuildAnnounce(c.conn.MAC(), snap.AssignedAddress)); err != nil {
		c.logger.Warn("Failed to announce address", "error", err)
	}

	c.checkpoint(snap, mask, routers, dns)
	c.publish(events.LeaseBound)
}

func (c *Client) checkpoint(snap lease.Snapshot, mask net.IPMask, routers, dns []net.IP) {
	ones, _ := mask.Size()
	rec := &leasedb.Record{
		Interface:    c.cfg.Interface,
		Address:      snap.AssignedAddress.String(),
		PrefixLen:    ones,
		LeaseSeconds: snap.LeaseSeconds,
		BoundAt:      snap.BoundAt,
		ExpiresAt:    snap.BoundAt.Add(time.Duration(snap.LeaseSeconds) * time.Second),
	}
	if snap.ServerID != nil {
		rec.ServerID = snap.ServerID.String()
	}
	for _, router := range routers {
		rec.Routers = append(rec.Routers, router.String())
	}
	for _, server := range dns {
		rec.DNSServers = append(rec.DNSServers, server.String())
	}

	if err := c.store.Save(c.Ctx, rec); err != nil {
		c.logger.Error("Failed to checkpoint lease", "error", err)
	}
}

// teardown removes everything a bound lease put on the system.
func (c *Client) teardown(ctx context.Context) {
	if c.netconf != nil {
		if err := c.netconf.Remove(); err != nil {
			c.logger.Warn("Failed to deconfigure interface", "error", err)
		}
	}
	if err := c.store.Delete(ctx, c.cfg.Interface); err != nil {
		c.logger.Warn("Failed to drop lease checkpoint", "error", err)
	}
}

func (c *Client) shutdown() {
	if c.cfg.Client.ReleaseOnExit {
		snap := c.machine.Snapshot()
		if snap.AssignedAddress != nil {
			c.logger.Info("Releasing lease on shutdown", "address", snap.AssignedAddress)

			msg := c.builder.Release(snap.XID, snap.AssignedAddress, snap.ServerID)
			if err := c.sendTo(msg, snap.AssignedAddress, snap.ServerID); err != nil {
				c.logger.Warn("Failed to send release", "error", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			c.teardown(ctx)
			cancel()
		}
	}

	c.logger.Info("Lease session stopped", "state", c.machine.CurrentState().String())
}

func (c *Client) fatal(err error) {
	c.logger.Error("Lease session failed",
		"state", c.machine.CurrentState().String(), "error", err)

	if c.bus != nil {
		c.bus.Publish(events.TopicClientFatal, events.Event{
			Source: "client",
			Data: events.ClientFatalEvent{
				Interface: c.cfg.Interface,
				Reason:    err.Error(),
			},
		})
	}
}

func (c *Client) restartC() <-chan time.Time {
	if c.restartTimer == nil {
		return nil
	}
	return c.restartTimer.C
}

func (c *Client) scheduleRestart(delay time.Duration) {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.restartTimer = time.NewTimer(delay)
}

func (c *Client) serverPermitted(id net.IP) bool {
	if id == nil {
		return len(c.allow) == 0
	}

	ip, ok := netaddr.FromStdIP(id)
	if !ok {
		return false
	}

	for _, prefix := range c.deny {
		if prefix.Contains(ip) {
			return false
		}
	}
	if len(c.allow) == 0 {
		return true
	}
	for _, prefix := range c.allow {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *Client) publish(kind events.LeaseEventKind) {
	c.publishWith(kind, nil)
}

func (c *Client) publishWith(kind events.LeaseEventKind, addr net.IP) {
	if c.bus == nil {
		return
	}
	snap := c.machine.Snapshot()

	if addr == nil {
		addr = snap.AssignedAddress
		if addr == nil {
			addr = snap.OfferedAddress
		}
	}

	evt := events.LeaseLifecycleEvent{
		Interface: c.cfg.Interface,
		Kind:      kind,
		XID:       snap.XID,
	}
	if addr != nil {
		evt.Address = addr.String()
	}
	if snap.ServerID != nil {
		evt.ServerID = snap.ServerID.String()
	}
	if kind == events.LeaseBound {
		evt.LeaseSeconds = snap.LeaseSeconds
	}

	c.bus.Publish(events.TopicLeaseLifecycle, events.Event{
		Source: "client",
		Data:   evt,
	})
}
