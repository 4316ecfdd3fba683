package dhcp4

import (
	"net"

	"github.com/google/gopacket/layers"
)

// DefaultParameters is the parameter request list sent when the
// configuration names none: subnet mask, router, DNS, lease time, T1, T2.
var DefaultParameters = []byte{
	uint8(layers.DHCPOptSubnetMask),
	uint8(layers.DHCPOptRouter),
	uint8(layers.DHCPOptDNS),
	uint8(layers.DHCPOptLeaseTime),
	uint8(layers.DHCPOptT1),
	uint8(layers.DHCPOptT2),
}

// Builder constructs the client-to-server message classes with a fixed
// hardware identity. Which class to build, the destination and the
// broadcast flag are the session's decisions, not the builder's.
type Builder struct {
	MAC        net.HardwareAddr
	Hostname   string
	ClientID   []byte
	Parameters []byte
}

func NewBuilder(mac net.HardwareAddr, hostname string) *Builder {
	clientID := make([]byte, 0, len(mac)+1)
	clientID = append(clientID, 0x01)
	clientID = append(clientID, mac...)

	return &Builder{
		MAC:        mac,
		Hostname:   hostname,
		ClientID:   clientID,
		Parameters: DefaultParameters,
	}
}

// Discover asks all servers on the segment for offers.
func (b *Builder) Discover(xid uint32, broadcast bool) *layers.DHCPv4 {
	msg := b.message(xid, broadcast)
	msg.Options = b.options(layers.DHCPMsgTypeDiscover, true)
	return msg
}

// Request accepts an offer (SELECTING) or reconfirms a held address
// (INIT-REBOOT) when serverID is nil. The requested address rides in option
// 50 and ciaddr stays empty.
func (b *Builder) Request(xid uint32, requested, serverID net.IP, broadcast bool) *layers.DHCPv4 {
	msg := b.message(xid, broadcast)

	options := b.options(layers.DHCPMsgTypeRequest, true)
	options = append(options, layers.DHCPOption{
		Type: layers.DHCPOptRequestIP, Data: requested.To4(), Length: 4,
	})
	if serverID != nil {
		options = append(options, layers.DHCPOption{
			Type: layers.DHCPOptServerID, Data: serverID.To4(), Length: 4,
		})
	}
	msg.Options = options
	return msg
}

// Renew extends the current lease (RENEWING or REBINDING). The held address
// rides in ciaddr; option 50 and the server id are omitted.
func (b *Builder) Renew(xid uint32, assigned net.IP, broadcast bool) *layers.DHCPv4 {
	msg := b.message(xid, broadcast)
	msg.ClientIP = assigned.To4()
	msg.Options = b.options(layers.DHCPMsgTypeRequest, true)
	return msg
}

// Release hands the lease back to its server.
func (b *Builder) Release(xid uint32, assigned, serverID net.IP) *layers.DHCPv4 {
	msg := b.message(xid, false)
	msg.ClientIP = assigned.To4()

	options := b.options(layers.DHCPMsgTypeRelease, false)
	if serverID != nil {
		options = append(options, layers.DHCPOption{
			Type: layers.DHCPOptServerID, Data: serverID.To4(), Length: 4,
		})
	}
	msg.Options = options
	return msg
}

// Decline tells the server its acknowledged address is already in use on
// the segment.
func (b *Builder) Decline(xid uint32, declined, serverID net.IP) *layers.DHCPv4 {
	msg := b.message(xid, false)

	options := b.options(layers.DHCPMsgTypeDecline, false)
	options = append(options, layers.DHCPOption{
		Type: layers.DHCPOptRequestIP, Data: declined.To4(), Length: 4,
	})
	if serverID != nil {
		options = append(options, layers.DHCPOption{
			Type: layers.DHCPOptServerID, Data: serverID.To4(), Length: 4,
		})
	}
	msg.Options = options
	return msg
}

func (b *Builder) message(xid uint32, broadcast bool) *layers.DHCPv4 {
	var flags uint16
	if broadcast {
		flags = FlagBroadcast
	}

	return &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  uint8(len(b.MAC)),
		Xid:          xid,
		Flags:        flags,
		ClientHWAddr: b.MAC,
	}
}

func (b *Builder) options(msgType layers.DHCPMsgType, parameters bool) []layers.DHCPOption {
	options := []layers.DHCPOption{
		{Type: layers.DHCPOptMessageType, Data: []byte{byte(msgType)}, Length: 1},
	}

	if len(b.ClientID) > 0 {
		options = append(options, layers.DHCPOption{
			Type: layers.DHCPOptClientID, Data: b.ClientID, Length: uint8(len(b.ClientID)),
		})
	}
	if b.Hostname != "" {
		options = append(options, layers.DHCPOption{
			Type: layers.DHCPOptHostname, Data: []byte(b.Hostname), Length: uint8(len(b.Hostname)),
		})
	}
	if parameters && len(b.Parameters) > 0 {
		options = append(options, layers.DHCPOption{
			Type: layers.DHCPOptParamsRequest, Data: b.Parameters, Length: uint8(len(b.Parameters)),
		})
	}

	return options
}
