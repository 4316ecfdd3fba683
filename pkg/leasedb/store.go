package leasedb

import (
	"context"
	"net"
	"time"
)

// Record is the persisted form of a confirmed lease, written on every bind
// and consumed at startup to decide whether the client may reconfirm its
// previous address instead of discovering from scratch.
type Record struct {
	Interface    string    `json:"interface"`
	Address      string    `json:"address"`
	PrefixLen    int       `json:"prefix-len"`
	ServerID     string    `json:"server-id,omitempty"`
	Routers      []string  `json:"routers,omitempty"`
	DNSServers   []string  `json:"dns-servers,omitempty"`
	LeaseSeconds uint32    `json:"lease-seconds"`
	BoundAt      time.Time `json:"bound-at"`
	ExpiresAt    time.Time `json:"expires-at"`
}

func (r *Record) IP() net.IP {
	return net.ParseIP(r.Address)
}

func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type Store interface {
	Save(ctx context.Context, rec *Record) error
	// Load returns the checkpoint for an interface, or nil when none is
	// stored.
	Load(ctx context.Context, iface string) (*Record, error)
	Delete(ctx context.Context, iface string) error
	Close() error
}
