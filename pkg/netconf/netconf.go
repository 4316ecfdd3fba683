package netconf

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/veesix-networks/osdhcpc/pkg/logger"
)

// Manager installs and removes the leased interface configuration: the
// assigned address and, when enabled, a default route through the first
// offered router. It only ever touches state it installed itself.
type Manager struct {
	ifaceName     string
	installRoutes bool
	routeMetric   int

	handle   *netlink.Handle
	nsHandle netns.NsHandle

	applied *applied

	logger *slog.Logger
}

type applied struct {
	address *netlink.Addr
	route   *netlink.Route
}

// New returns a manager for the named interface. A non-empty namespace name
// routes all netlink operations through a handle inside that namespace.
func New(ifaceName, nsName string, installRoutes bool, routeMetric int) (*Manager, error) {
	m := &Manager{
		ifaceName:     ifaceName,
		installRoutes: installRoutes,
		routeMetric:   routeMetric,
		nsHandle:      netns.None(),
		logger:        logger.Get(logger.Netconf),
	}

	if nsName != "" {
		nsHandle, err := netns.GetFromName(nsName)
		if err != nil {
			return nil, fmt.Errorf("get netns %q: %w", nsName, err)
		}

		handle, err := netlink.NewHandleAt(nsHandle)
		if err != nil {
			nsHandle.Close()
			return nil, fmt.Errorf("create netlink handle for netns %q: %w", nsName, err)
		}

		m.nsHandle = nsHandle
		m.handle = handle
	}

	return m, nil
}

func (m *Manager) Close() {
	if m.handle != nil {
		m.handle.Close()
	}
	if m.nsHandle.IsOpen() {
		m.nsHandle.Close()
	}
}

// Apply configures the interface for a bound lease. A previously applied
// address that no longer matches is removed first.
func (m *Manager) Apply(addr net.IP, mask net.IPMask, routers []net.IP) error {
	link, err := m.nlLinkByName(m.ifaceName)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", m.ifaceName, err)
	}

	if err := m.nlLinkSetUp(link); err != nil {
		return fmt.Errorf("set interface up: %w", err)
	}

	nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: addr.To4(), Mask: mask}}

	if m.applied != nil && m.applied.address != nil && !m.applied.address.Equal(*nlAddr) {
		if err := m.removeApplied(link); err != nil {
			m.logger.Warn("Failed to remove previous lease state", "error", err)
		}
	}

	if err := m.nlAddrAdd(link, nlAddr); err != nil && !os.IsExist(err) {
		return fmt.Errorf("add address %s: %w", nlAddr.IPNet, err)
	}
	m.logger.Info("Address configured", "interface", m.ifaceName, "address", nlAddr.IPNet.String())

	state := &applied{address: nlAddr}

	if m.installRoutes && len(routers) > 0 {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        routers[0].To4(),
			Priority:  m.routeMetric,
		}
		if err := m.nlRouteReplace(route); err != nil {
			m.applied = state
			return fmt.Errorf("install default route via %s: %w", route.Gw, err)
		}
		m.logger.Info("Default route installed",
			"interface", m.ifaceName, "gateway", route.Gw.String(), "metric", m.routeMetric)
		state.route = route
	}

	m.applied = state
	return nil
}

// Remove tears down whatever Apply installed. Safe to call when nothing is
// applied or the kernel already dropped the state.
func (m *Manager) Remove() error {
	if m.applied == nil {
		return nil
	}

	link, err := m.nlLinkByName(m.ifaceName)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", m.ifaceName, err)
	}

	return m.removeApplied(link)
}

func (m *Manager) removeApplied(link netlink.Link) error {
	state := m.applied
	m.applied = nil

	if state.route != nil {
		if err := m.nlRouteDel(state.route); err != nil && !missing(err) {
			return fmt.Errorf("remove default route: %w", err)
		}
		m.logger.Info("Default route removed", "interface", m.ifaceName)
	}

	if state.address != nil {
		if err := m.nlAddrDel(link, state.address); err != nil && !missing(err) {
			return fmt.Errorf("remove address %s: %w", state.address.IPNet, err)
		}
		m.logger.Info("Address removed",
			"interface", m.ifaceName, "address", state.address.IPNet.String())
	}

	return nil
}

// missing reports errors that mean the kernel state is already gone.
func missing(err error) bool {
	return errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.ESRCH) ||
		errors.Is(err, unix.EADDRNOTAVAIL)
}

func (m *Manager) nlLinkByName(name string) (netlink.Link, error) {
	if m.handle != nil {
		return m.handle.LinkByName(name)
	}
	return netlink.LinkByName(name)
}

func (m *Manager) nlLinkSetUp(link netlink.Link) error {
	if m.handle != nil {
		return m.handle.LinkSetUp(link)
	}
	return netlink.LinkSetUp(link)
}

func (m *Manager) nlAddrAdd(link netlink.Link, addr *netlink.Addr) error {
	if m.handle != nil {
		return m.handle.AddrAdd(link, addr)
	}
	return netlink.AddrAdd(link, addr)
}

func (m *Manager) nlAddrDel(link netlink.Link, addr *netlink.Addr) error {
	if m.handle != nil {
		return m.handle.AddrDel(link, addr)
	}
	return netlink.AddrDel(link, addr)
}

func (m *Manager) nlRouteReplace(route *netlink.Route) error {
	if m.handle != nil {
		return m.handle.RouteReplace(route)
	}
	return netlink.RouteReplace(route)
}

func (m *Manager) nlRouteDel(route *netlink.Route) error {
	if m.handle != nil {
		return m.handle.RouteDel(route)
	}
	return netlink.RouteDel(route)
}
