package logger

const (
	Main      = "main"
	Client    = "client"
	Lease     = "lease"
	Transport = "transport"
	Netconf   = "netconf"
	Store     = "leasedb"
	Probe     = "probe"
	Control   = "control"
	Exporter  = "exporter"
	Events    = "events"
	Config    = "config"
	CLI       = "cli"
)
