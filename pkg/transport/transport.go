package transport

import (
	"net"

	"github.com/google/gopacket/layers"

	"github.com/veesix-networks/osdhcpc/pkg/arp"
	"github.com/veesix-networks/osdhcpc/pkg/dhcp4"
)

// Conn moves client messages and address-probe frames on and off the wire
// for one interface. Received server replies are already filtered to this
// client's hardware address.
type Conn interface {
	// Messages yields parsed server replies addressed to this client.
	Messages() <-chan *dhcp4.Message

	// ARP yields ARP traffic seen on the segment, for address probing.
	ARP() <-chan *arp.Packet

	// SendDHCP puts a client message on the wire. The limited broadcast
	// destination goes out as a raw broadcast frame with source src (zero
	// when unbound); any other destination is unicast UDP bound to src.
	SendDHCP(msg *layers.DHCPv4, src, dst net.IP) error

	// SendARP broadcasts a raw ARP payload.
	SendARP(payload []byte) error

	// MAC is the hardware address of the bound interface.
	MAC() net.HardwareAddr

	Close() error
}
