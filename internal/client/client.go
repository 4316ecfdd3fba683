package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inet.af/netaddr"

	"github.com/veesix-networks/osdhcpc/pkg/component"
	"github.com/veesix-networks/osdhcpc/pkg/config"
	"github.com/veesix-networks/osdhcpc/pkg/dhcp4"
	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/lease"
	"github.com/veesix-networks/osdhcpc/pkg/leasedb"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
	"github.com/veesix-networks/osdhcpc/pkg/netconf"
	"github.com/veesix-networks/osdhcpc/pkg/transport"
)

// Options carries the client component's dependencies. Config, Conn and
// Store are required; Netconf and Bus may be nil.
type Options struct {
	Config  *config.Config
	Conn    transport.Conn
	Store   leasedb.Store
	Netconf *netconf.Manager
	Bus     events.Bus
}

type commandKind int

const (
	cmdSnapshot commandKind = iota
	cmdRenew
	cmdRelease
	cmdRestart
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	snapshot lease.Snapshot
	err      error
}

// Client drives one lease session on one interface. All protocol state is
// owned by the run loop goroutine; operator requests reach it over the
// command channel and are answered with the loop's own view.
type Client struct {
	*component.Base

	cfg     *config.Config
	conn    transport.Conn
	store   leasedb.Store
	netconf *netconf.Manager
	bus     events.Bus

	machine *lease.Machine
	builder *dhcp4.Builder

	allow []netaddr.IPPrefix
	deny  []netaddr.IPPrefix

	restartTimer *time.Timer

	commands chan command

	logger *slog.Logger
}

var _ component.Component = (*Client)(nil)

func New(opts Options) (*Client, error) {
	allow, err := opts.Config.Servers.AllowPrefixes()
	if err != nil {
		return nil, err
	}
	deny, err := opts.Config.Servers.DenyPrefixes()
	if err != nil {
		return nil, err
	}

	builder := dhcp4.NewBuilder(opts.Conn.MAC(), opts.Config.Client.HostnameOrSystem())
	if opts.Config.Client.ClientID != "" {
		builder.ClientID = []byte(opts.Config.Client.ClientID)
	}
	if len(opts.Config.Client.RequestedOptions) > 0 {
		params := make([]byte, 0, len(opts.Config.Client.RequestedOptions))
		for _, opt := range opts.Config.Client.RequestedOptions {
			params = append(params, byte(opt))
		}
		builder.Parameters = params
	}

	return &Client{
		Base:     component.NewBase("client"),
		cfg:      opts.Config,
		conn:     opts.Conn,
		store:    opts.Store,
		netconf:  opts.Netconf,
		bus:      opts.Bus,
		builder:  builder,
		allow:    allow,
		deny:     deny,
		commands: make(chan command),
		logger:   logger.Get(logger.Client),
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	c.StartContext(ctx)

	record, err := c.store.Load(c.Ctx, c.cfg.Interface)
	if err != nil {
		c.logger.Warn("Failed to load lease checkpoint", "error", err)
	}

	if record != nil && !record.Expired(time.Now()) && record.IP() != nil {
		c.logger.Info("Reconfirming checkpointed lease",
			"address", record.Address, "expires_at", record.ExpiresAt)
		c.machine = lease.NewReboot(record.IP().To4())
	} else {
		c.machine = lease.New()
	}

	c.Go(c.run)
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.StopContext()
	return nil
}

// Snapshot returns the session's current observable state.
func (c *Client) Snapshot(ctx context.Context) (lease.Snapshot, error) {
	res, err := c.submit(ctx, cmdSnapshot)
	if err != nil {
		return lease.Snapshot{}, err
	}
	return res.snapshot, nil
}

// Renew begins the renewal cycle now instead of waiting for T1. Legal only
// while bound.
func (c *Client) Renew(ctx context.Context) error {
	res, err := c.submit(ctx, cmdRenew)
	if err != nil {
		return err
	}
	return res.err
}

// Release hands the lease back to its server, removes the interface
// configuration and leaves the session idle until restarted.
func (c *Client) Release(ctx context.Context) error {
	res, err := c.submit(ctx, cmdRelease)
	if err != nil {
		return err
	}
	return res.err
}

// Restart abandons the current session and acquires from scratch.
func (c *Client) Restart(ctx context.Context) error {
	res, err := c.submit(ctx, cmdRestart)
	if err != nil {
		return err
	}
	return res.err
}

func (c *Client) submit(ctx context.Context, kind commandKind) (commandResult, error) {
	if c.Ctx == nil {
		return commandResult{}, fmt.Errorf("client not started")
	}

	cmd := command{kind: kind, reply: make(chan commandResult, 1)}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-c.Ctx.Done():
		return commandResult{}, fmt.Errorf("client stopped")
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-c.Ctx.Done():
		return commandResult{}, fmt.Errorf("client stopped")
	}
}
