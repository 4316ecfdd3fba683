package control

import "time"

type StatusResponse struct {
	Interface    string     `json:"interface"`
	State        string     `json:"state"`
	XID          uint32     `json:"xid"`
	Address      string     `json:"address,omitempty"`
	ServerID     string     `json:"server-id,omitempty"`
	LeaseSeconds uint32     `json:"lease-seconds,omitempty"`
	BoundAt      *time.Time `json:"bound-at,omitempty"`
	RenewsAt     *time.Time `json:"renews-at,omitempty"`
	RebindsAt    *time.Time `json:"rebinds-at,omitempty"`
	ExpiresAt    *time.Time `json:"expires-at,omitempty"`
}

type OperResponse struct {
	Status string `json:"status"`
}

type LoggingRequest struct {
	Level string `json:"level"`
}

type LoggingResponse struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

type EventsDebugRequest struct {
	Topics []string `json:"topics"`
}

type EventsDebugResponse struct {
	Topics []string `json:"topics"`
}

type EventRecord struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

type EventsResponse struct {
	Events []EventRecord `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
