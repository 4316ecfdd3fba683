package arp

import (
	"net"
	"testing"
)

var (
	ourMAC   = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	otherMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x02}
	probed   = net.IPv4(192, 168, 1, 50)
)

func TestProbeRoundTrip(t *testing.T) {
	raw := BuildProbe(ourMAC, probed)

	pkt, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.Operation != OpRequest {
		t.Errorf("operation = %d, want request", pkt.Operation)
	}
	if !pkt.SenderIP.Equal(net.IPv4zero) {
		t.Errorf("sender ip = %s, probe must not claim the address", pkt.SenderIP)
	}
	if pkt.SenderMAC.String() != ourMAC.String() {
		t.Errorf("sender mac = %s", pkt.SenderMAC)
	}
	if !pkt.TargetIP.Equal(probed) {
		t.Errorf("target ip = %s, want %s", pkt.TargetIP, probed)
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	raw := BuildAnnounce(ourMAC, probed)

	pkt, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !pkt.SenderIP.Equal(probed) || !pkt.TargetIP.Equal(probed) {
		t.Errorf("announce sender/target = %s/%s, want both %s", pkt.SenderIP, pkt.TargetIP, probed)
	}
}

func TestParseRejectsShortPacket(t *testing.T) {
	if _, err := Parse(make([]byte, 27)); err == nil {
		t.Fatal("expected error for truncated packet")
	}
}

func TestParseRejectsNonEthernetIPv4(t *testing.T) {
	raw := BuildProbe(ourMAC, probed)
	raw[1] = 6
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for unsupported hardware type")
	}
}

func TestConflictsWith(t *testing.T) {
	cases := []struct {
		name string
		pkt  *Packet
		want bool
	}{
		{
			name: "reply from another host using the address",
			pkt:  &Packet{Operation: OpReply, SenderMAC: otherMAC, SenderIP: probed, TargetIP: net.IPv4zero},
			want: true,
		},
		{
			name: "request from another host using the address",
			pkt:  &Packet{Operation: OpRequest, SenderMAC: otherMAC, SenderIP: probed, TargetIP: net.IPv4(192, 168, 1, 1)},
			want: true,
		},
		{
			name: "simultaneous probe for the same address",
			pkt:  &Packet{Operation: OpRequest, SenderMAC: otherMAC, SenderIP: net.IPv4zero, TargetIP: probed},
			want: true,
		},
		{
			name: "our own probe echoed back",
			pkt:  &Packet{Operation: OpRequest, SenderMAC: ourMAC, SenderIP: net.IPv4zero, TargetIP: probed},
			want: false,
		},
		{
			name: "unrelated traffic",
			pkt:  &Packet{Operation: OpReply, SenderMAC: otherMAC, SenderIP: net.IPv4(192, 168, 1, 9), TargetIP: net.IPv4(192, 168, 1, 1)},
			want: false,
		},
	}
	for _, tc := range cases {
		if got := tc.pkt.ConflictsWith(probed, ourMAC); got != tc.want {
			t.Errorf("%s: ConflictsWith = %v, want %v", tc.name, got, tc.want)
		}
	}
}
