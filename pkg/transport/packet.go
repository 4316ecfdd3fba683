package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/veesix-networks/osdhcpc/pkg/arp"
	"github.com/veesix-networks/osdhcpc/pkg/dhcp4"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
)

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// PacketConn is the AF_PACKET implementation of Conn. A raw socket bound to
// the interface carries broadcast sends and all receives; unicast renewals
// go over a transient UDP socket bound to the assigned address.
type PacketConn struct {
	fd     int
	iface  *net.Interface
	nsName string

	messages chan *dhcp4.Message
	arps     chan *arp.Packet

	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

var _ Conn = (*PacketConn)(nil)

// Open binds a raw socket to the named interface, optionally inside a
// network namespace, and starts the receive loop.
func Open(ifaceName, nsName string) (*PacketConn, error) {
	c := &PacketConn{
		nsName:   nsName,
		messages: make(chan *dhcp4.Message, 8),
		arps:     make(chan *arp.Packet, 8),
		closed:   make(chan struct{}),
		logger:   logger.Get(logger.Transport),
	}

	err := inNamespace(nsName, func() error {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return fmt.Errorf("interface %q: %w", ifaceName, err)
		}
		c.iface = iface

		fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, unix.ETH_P_ALL)
		if err != nil {
			return fmt.Errorf("open packet socket: %w", err)
		}

		var haddr [8]byte
		copy(haddr[:], iface.HardwareAddr)
		sll := &unix.SockaddrLinklayer{
			Protocol: htons(unix.ETH_P_ALL),
			Ifindex:  iface.Index,
			Halen:    uint8(len(iface.HardwareAddr)),
			Addr:     haddr,
		}
		if err := unix.Bind(fd, sll); err != nil {
			unix.Close(fd)
			return fmt.Errorf("bind packet socket to %q: %w", ifaceName, err)
		}

		c.fd = fd
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Packet socket bound",
		"interface", ifaceName, "mac", c.iface.HardwareAddr.String(), "netns", nsName)

	go c.readLoop()

	return c, nil
}

func (c *PacketConn) Messages() <-chan *dhcp4.Message { return c.messages }
func (c *PacketConn) ARP() <-chan *arp.Packet         { return c.arps }
func (c *PacketConn) MAC() net.HardwareAddr           { return c.iface.HardwareAddr }

func (c *PacketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		unix.Close(c.fd)
	})
	return nil
}

func (c *PacketConn) readLoop() {
	buf := make([]byte, 4096)

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			c.logger.Warn("Receive failed", "error", err)
			continue
		}

		if sll, ok := from.(*unix.SockaddrLinklayer); ok && sll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.handleFrame(data)
	}
}

func (c *PacketConn) handleFrame(data []byte) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return
	}
	eth := ethLayer.(*layers.Ethernet)

	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		pkt, err := arp.Parse(eth.Payload)
		if err != nil {
			return
		}
		select {
		case c.arps <- pkt:
		default:
		}

	case layers.EthernetTypeIPv4:
		udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || udpLayer.DstPort != dhcp4.ClientPort {
			return
		}
		dhcpLayer, ok := packet.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
		if !ok {
			return
		}

		msg := dhcp4.Parse(dhcpLayer)
		if !msg.IsReply() || !bytes.Equal(msg.ClientMAC, c.iface.HardwareAddr) {
			return
		}

		select {
		case c.messages <- msg:
		default:
			c.logger.Warn("Receive queue full, dropping reply",
				"type", msg.Type.String(), "xid", msg.XID)
		}
	}
}

func (c *PacketConn) SendDHCP(msg *layers.DHCPv4, src, dst net.IP) error {
	if dst == nil || dst.Equal(net.IPv4bcast) {
		return c.sendBroadcast(msg, src)
	}
	return c.sendUnicast(msg, src, dst)
}

func (c *PacketConn) sendBroadcast(msg *layers.DHCPv4, src net.IP) error {
	frame, err := c.broadcastFrame(msg, src)
	if err != nil {
		return err
	}
	if _, err := unix.Write(c.fd, frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

func (c *PacketConn) broadcastFrame(msg *layers.DHCPv4, src net.IP) ([]byte, error) {
	if src == nil {
		src = net.IPv4zero
	}

	eth := &layers.Ethernet{
		SrcMAC:       c.iface.HardwareAddr,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.To4(),
		DstIP:    net.IPv4bcast,
	}
	udp := &layers.UDP{
		SrcPort: dhcp4.ClientPort,
		DstPort: dhcp4.ServerPort,
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, ip, udp, msg); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *PacketConn) sendUnicast(msg *layers.DHCPv4, src, dst net.IP) error {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, msg); err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	return inNamespace(c.nsName, func() error {
		laddr := &net.UDPAddr{Port: dhcp4.ClientPort}
		if src != nil && !src.IsUnspecified() {
			laddr.IP = src
		}

		conn, err := net.DialUDP("udp4", laddr, &net.UDPAddr{IP: dst, Port: dhcp4.ServerPort})
		if err != nil {
			return fmt.Errorf("dial server %s: %w", dst, err)
		}
		defer conn.Close()

		if _, err := conn.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return nil
	})
}

func (c *PacketConn) SendARP(payload []byte) error {
	frame, err := c.arpFrame(payload)
	if err != nil {
		return err
	}
	if _, err := unix.Write(c.fd, frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

func (c *PacketConn) arpFrame(payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       c.iface.HardwareAddr,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}
