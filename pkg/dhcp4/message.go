package dhcp4

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ServerPort = 67
	ClientPort = 68

	// Flags field bit requesting broadcast replies.
	FlagBroadcast = 0x8000
)

type MessageType uint8

const (
	DHCPDiscover MessageType = 1
	DHCPOffer    MessageType = 2
	DHCPRequest  MessageType = 3
	DHCPDecline  MessageType = 4
	DHCPAck      MessageType = 5
	DHCPNak      MessageType = 6
	DHCPRelease  MessageType = 7
	DHCPInform   MessageType = 8
)

func (mt MessageType) String() string {
	switch mt {
	case DHCPDiscover:
		return "DHCPDISCOVER"
	case DHCPOffer:
		return "DHCPOFFER"
	case DHCPRequest:
		return "DHCPREQUEST"
	case DHCPDecline:
		return "DHCPDECLINE"
	case DHCPAck:
		return "DHCPACK"
	case DHCPNak:
		return "DHCPNAK"
	case DHCPRelease:
		return "DHCPRELEASE"
	case DHCPInform:
		return "DHCPINFORM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(mt))
	}
}

// Message is one parsed server reply. The decoded header fields are kept
// alongside the raw option map; typed accessors return (value, ok) for the
// options a client consumes.
type Message struct {
	Op        uint8
	Type      MessageType
	XID       uint32
	Secs      uint16
	Broadcast bool
	ClientIP  net.IP
	YourIP    net.IP
	NextIP    net.IP
	RelayIP   net.IP
	ClientMAC net.HardwareAddr
	Options   map[uint8][]byte
}

// Parse maps a decoded DHCPv4 layer into a Message.
func Parse(dhcp *layers.DHCPv4) *Message {
	msg := &Message{
		Op:        uint8(dhcp.Operation),
		XID:       dhcp.Xid,
		Secs:      dhcp.Secs,
		Broadcast: dhcp.Flags&FlagBroadcast != 0,
		ClientIP:  dhcp.ClientIP,
		YourIP:    dhcp.YourClientIP,
		NextIP:    dhcp.NextServerIP,
		RelayIP:   dhcp.RelayAgentIP,
		ClientMAC: dhcp.ClientHWAddr,
		Options:   make(map[uint8][]byte, len(dhcp.Options)),
	}

	for _, opt := range dhcp.Options {
		switch opt.Type {
		case layers.DHCPOptPad, layers.DHCPOptEnd:
			continue
		}
		data := make([]byte, len(opt.Data))
		copy(data, opt.Data)
		msg.Options[uint8(opt.Type)] = data
	}

	if msgType, ok := msg.Options[uint8(layers.DHCPOptMessageType)]; ok && len(msgType) > 0 {
		msg.Type = MessageType(msgType[0])
	}

	return msg
}

// ParseBytes decodes a raw BOOTP payload, e.g. from a unicast UDP read.
func ParseBytes(data []byte) (*Message, error) {
	dhcp := &layers.DHCPv4{}
	if err := dhcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode dhcp layer: %w", err)
	}
	return Parse(dhcp), nil
}

func (m *Message) IsReply() bool {
	return m.Op == uint8(layers.DHCPOpReply)
}

func (m *Message) ServerID() (net.IP, bool) {
	data, ok := m.Options[uint8(layers.DHCPOptServerID)]
	if !ok || len(data) != 4 {
		return nil, false
	}
	return net.IP(data), true
}

func (m *Message) LeaseTime() (uint32, bool) {
	return m.secondsOption(uint8(layers.DHCPOptLeaseTime))
}

func (m *Message) RenewalTime() (uint32, bool) {
	return m.secondsOption(uint8(layers.DHCPOptT1))
}

func (m *Message) RebindingTime() (uint32, bool) {
	return m.secondsOption(uint8(layers.DHCPOptT2))
}

func (m *Message) SubnetMask() (net.IPMask, bool) {
	data, ok := m.Options[uint8(layers.DHCPOptSubnetMask)]
	if !ok || len(data) != 4 {
		return nil, false
	}
	return net.IPMask(data), true
}

func (m *Message) Routers() ([]net.IP, bool) {
	return m.addressListOption(uint8(layers.DHCPOptRouter))
}

func (m *Message) DNSServers() ([]net.IP, bool) {
	return m.addressListOption(uint8(layers.DHCPOptDNS))
}

func (m *Message) secondsOption(code uint8) (uint32, bool) {
	data, ok := m.Options[code]
	if !ok || len(data) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}

func (m *Message) addressListOption(code uint8) ([]net.IP, bool) {
	data, ok := m.Options[code]
	if !ok || len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	addrs := make([]net.IP, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		addr := make(net.IP, 4)
		copy(addr, data[i:i+4])
		addrs = append(addrs, addr)
	}
	return addrs, true
}
