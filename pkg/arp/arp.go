package arp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	OpRequest = 1
	OpReply   = 2
)

var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

type Packet struct {
	Operation uint16
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP
}

func Parse(data []byte) (*Packet, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("packet too short: %d bytes", len(data))
	}

	htype := binary.BigEndian.Uint16(data[0:2])
	ptype := binary.BigEndian.Uint16(data[2:4])
	hlen := data[4]
	plen := data[5]

	if htype != 1 || ptype != 0x0800 || hlen != 6 || plen != 4 {
		return nil, fmt.Errorf("unsupported ARP format")
	}

	operation := binary.BigEndian.Uint16(data[6:8])

	senderMAC := make(net.HardwareAddr, 6)
	copy(senderMAC, data[8:14])

	senderIP := net.IPv4(data[14], data[15], data[16], data[17])

	targetMAC := make(net.HardwareAddr, 6)
	copy(targetMAC, data[18:24])

	targetIP := net.IPv4(data[24], data[25], data[26], data[27])

	return &Packet{
		Operation: operation,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetMAC: targetMAC,
		TargetIP:  targetIP,
	}, nil
}

// BuildProbe builds an address probe asking who holds addr. The sender IP is
// zero so the probe itself cannot poison neighbour caches while the address
// is still tentative.
func BuildProbe(senderMAC net.HardwareAddr, addr net.IP) []byte {
	return build(OpRequest, senderMAC, net.IPv4zero, zeroMAC, addr)
}

// BuildAnnounce builds a gratuitous request claiming addr, sent after the
// address is accepted to update neighbour caches.
func BuildAnnounce(senderMAC net.HardwareAddr, addr net.IP) []byte {
	return build(OpRequest, senderMAC, addr, zeroMAC, addr)
}

func build(op uint16, senderMAC net.HardwareAddr, senderIP net.IP, targetMAC net.HardwareAddr, targetIP net.IP) []byte {
	pkt := make([]byte, 28)

	binary.BigEndian.PutUint16(pkt[0:2], 1)
	binary.BigEndian.PutUint16(pkt[2:4], 0x0800)
	pkt[4] = 6
	pkt[5] = 4
	binary.BigEndian.PutUint16(pkt[6:8], op)

	copy(pkt[8:14], senderMAC)
	copy(pkt[14:18], senderIP.To4())

	copy(pkt[18:24], targetMAC)
	copy(pkt[24:28], targetIP.To4())

	return pkt
}

// ConflictsWith reports whether pkt shows another host using addr: any
// packet whose sender holds addr under a different MAC, or a probe for addr
// from a different MAC (a simultaneous claimant).
func (p *Packet) ConflictsWith(addr net.IP, ourMAC net.HardwareAddr) bool {
	if bytes.Equal(p.SenderMAC, ourMAC) {
		return false
	}
	if p.SenderIP.Equal(addr) {
		return true
	}
	return p.Operation == OpRequest && p.SenderIP.Equal(net.IPv4zero) && p.TargetIP.Equal(addr)
}
