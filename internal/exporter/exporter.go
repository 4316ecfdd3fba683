package exporter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veesix-networks/osdhcpc/pkg/component"
	"github.com/veesix-networks/osdhcpc/pkg/config"
	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/lease"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
)

// Snapshotter is the slice of the lease client the collector reads.
type Snapshotter interface {
	Snapshot(ctx context.Context) (lease.Snapshot, error)
}

type Options struct {
	Config *config.Config
	Client Snapshotter
	Bus    events.Bus
}

type Server struct {
	*component.Base

	cfg    *config.Config
	client Snapshotter
	bus    events.Bus

	registry  *prometheus.Registry
	eventsVec *prometheus.CounterVec
	sub       events.Subscription

	server *http.Server
	logger *slog.Logger
}

var _ component.Component = (*Server)(nil)

func New(opts Options) *Server {
	s := &Server{
		Base:   component.NewBase("exporter"),
		cfg:    opts.Config,
		client: opts.Client,
		bus:    opts.Bus,
		logger: logger.Get(logger.Exporter),
	}

	s.eventsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osdhcpc_lease_events_total",
		Help: "Lease lifecycle events by kind.",
	}, []string{"interface", "kind"})

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(s.eventsVec)
	s.registry.MustRegister(&leaseCollector{
		client: s.client,
		iface:  s.cfg.Interface,
		logger: s.logger,
	})

	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.StartContext(ctx)

	if s.bus != nil {
		s.sub = s.bus.Subscribe(events.TopicLeaseLifecycle, s.recordEvent)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    s.cfg.Monitoring.ListenAddress,
		Handler: mux,
	}

	s.logger.Info("Metrics exporter listening", "addr", s.cfg.Monitoring.ListenAddress)
	s.Go(func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics exporter server failed", "error", err)
		}
	})
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics exporter")

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}

	s.StopContext()
	return nil
}

func (s *Server) recordEvent(evt events.Event) {
	data, ok := evt.Data.(events.LeaseLifecycleEvent)
	if !ok {
		return
	}
	s.eventsVec.WithLabelValues(data.Interface, string(data.Kind)).Inc()
}

var allStates = []lease.State{
	lease.Init, lease.Selecting, lease.Requesting, lease.InitReboot,
	lease.Rebooting, lease.Bound, lease.Renewing, lease.Rebinding,
}

// leaseCollector derives gauges from the client's snapshot at scrape time,
// so the exporter never holds protocol state of its own.
type leaseCollector struct {
	client Snapshotter
	iface  string
	logger *slog.Logger
}

var (
	stateDesc = prometheus.NewDesc(
		"osdhcpc_state",
		"Lease session state, one series per state holding 0 or 1.",
		[]string{"interface", "state"}, nil,
	)
	leaseSecondsDesc = prometheus.NewDesc(
		"osdhcpc_lease_seconds",
		"Duration of the bound lease in seconds.",
		[]string{"interface"}, nil,
	)
	leaseInfoDesc = prometheus.NewDesc(
		"osdhcpc_lease_info",
		"Bound lease details carried as labels, 1 while bound.",
		[]string{"interface", "address", "server"}, nil,
	)
	renewalRemainingDesc = prometheus.NewDesc(
		"osdhcpc_renewal_seconds_remaining",
		"Seconds until the renewal stage begins.",
		[]string{"interface"}, nil,
	)
	rebindingRemainingDesc = prometheus.NewDesc(
		"osdhcpc_rebinding_seconds_remaining",
		"Seconds until the rebinding stage begins.",
		[]string{"interface"}, nil,
	)
	expirationRemainingDesc = prometheus.NewDesc(
		"osdhcpc_expiration_seconds_remaining",
		"Seconds until the lease expires.",
		[]string{"interface"}, nil,
	)
)

func (lc *leaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- leaseSecondsDesc
	ch <- leaseInfoDesc
	ch <- renewalRemainingDesc
	ch <- rebindingRemainingDesc
	ch <- expirationRemainingDesc
}

func (lc *leaseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := lc.client.Snapshot(ctx)
	if err != nil {
		lc.logger.Warn("Failed to collect lease snapshot", "error", err)
		return
	}

	for _, state := range allStates {
		value := 0.0
		if snap.State == state {
			value = 1.0
		}
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue,
			value, lc.iface, state.String())
	}

	if snap.AssignedAddress == nil || snap.BoundAt.IsZero() {
		return
	}

	server := ""
	if snap.ServerID != nil {
		server = snap.ServerID.String()
	}

	ch <- prometheus.MustNewConstMetric(leaseSecondsDesc, prometheus.GaugeValue,
		float64(snap.LeaseSeconds), lc.iface)
	ch <- prometheus.MustNewConstMetric(leaseInfoDesc, prometheus.GaugeValue,
		1, lc.iface, snap.AssignedAddress.String(), server)

	now := time.Now()
	renews := snap.BoundAt.Add(snap.RenewalAfter)
	rebinds := renews.Add(snap.RebindingAfter)
	expires := rebinds.Add(snap.ExpirationAfter)

	ch <- prometheus.MustNewConstMetric(renewalRemainingDesc, prometheus.GaugeValue,
		secondsUntil(now, renews), lc.iface)
	ch <- prometheus.MustNewConstMetric(rebindingRemainingDesc, prometheus.GaugeValue,
		secondsUntil(now, rebinds), lc.iface)
	ch <- prometheus.MustNewConstMetric(expirationRemainingDesc, prometheus.GaugeValue,
		secondsUntil(now, expires), lc.iface)
}

func secondsUntil(now, deadline time.Time) float64 {
	remaining := deadline.Sub(now).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}
