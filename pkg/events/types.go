package events

type LeaseEventKind string

const (
	LeaseDiscovering LeaseEventKind = "discovering"
	LeaseRequesting  LeaseEventKind = "requesting"
	LeaseRebooting   LeaseEventKind = "rebooting"
	LeaseBound       LeaseEventKind = "bound"
	LeaseRenewing    LeaseEventKind = "renewing"
	LeaseRebinding   LeaseEventKind = "rebinding"
	LeaseRefused     LeaseEventKind = "refused"
	LeaseExpired     LeaseEventKind = "expired"
	LeaseReleased    LeaseEventKind = "released"
	LeaseDeclined    LeaseEventKind = "declined"
	LeaseRetransmit  LeaseEventKind = "retransmit"
)

type LeaseLifecycleEvent struct {
	Interface    string         `json:"interface"`
	Kind         LeaseEventKind `json:"kind"`
	Address      string         `json:"address,omitempty"`
	ServerID     string         `json:"server-id,omitempty"`
	XID          uint32         `json:"xid"`
	LeaseSeconds uint32         `json:"lease-seconds,omitempty"`
}

type ClientFatalEvent struct {
	Interface string `json:"interface"`
	Reason    string `json:"reason"`
}
