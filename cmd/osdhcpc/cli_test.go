package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/veesix-networks/osdhcpc/internal/control"
)

func newTestCLI(addr string) *CLI {
	return NewCLI(newAPIClient(addr), addr)
}

func TestNewAPIClientBase(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8053", "http://127.0.0.1:8053"},
		{"http://127.0.0.1:8053/", "http://127.0.0.1:8053"},
		{"https://lease-ctl.example.com", "https://lease-ctl.example.com"},
	}
	for _, tt := range tests {
		if got := newAPIClient(tt.addr).base; got != tt.want {
			t.Errorf("newAPIClient(%q).base = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestCompletions(t *testing.T) {
	cli := newTestCLI("127.0.0.1:8053")

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty input lists every command", "", []string{
			"status", "lease", "events", "stats", "renew", "release",
			"restart", "logging", "debug-events", "version", "help",
			"exit", "quit",
		}},
		{"prefix filters commands", "re", []string{"renew", "release", "restart"}},
		{"complete word still offered", "status", []string{"status"}},
		{"command without completer", "status ", nil},
		{"unknown command", "frobnicate ", nil},
		{"logging lists components", "logging ", []string{
			"main", "client", "lease", "transport", "netconf", "leasedb",
			"probe", "control", "exporter", "events",
		}},
		{"logging component prefix", "logging tra", []string{"transport"}},
		{"logging lists levels after component", "logging transport ", []string{
			"debug", "info", "warn", "error", "default",
		}},
		{"logging level prefix", "logging transport de", []string{"debug", "default"}},
		{"debug-events lists topics", "debug-events ", []string{
			"osdhcpc:events:lease:lifecycle", "osdhcpc:events:client:fatal",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cli.completions(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("completions(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompleterReturnsSuffixes(t *testing.T) {
	cc := &commandCompleter{cli: newTestCLI("127.0.0.1:8053")}

	line := []rune("logging tra")
	got, length := cc.Do(line, len(line))
	if length != len("tra") {
		t.Fatalf("partial length = %d, want %d", length, len("tra"))
	}
	if len(got) != 1 || string(got[0]) != "nsport" {
		t.Fatalf("candidates = %q, want [nsport]", got)
	}

	if got, _ = cc.Do([]rune("zzz"), 3); got != nil {
		t.Fatalf("candidates for zzz = %q, want none", got)
	}
}

func TestExecuteDispatch(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v1/oper/logging/"):
			json.NewEncoder(w).Encode(control.LoggingResponse{Name: "client", Level: "debug"})
		case r.URL.Path == "/api/v1/oper/events/debug":
			json.NewEncoder(w).Encode(control.EventsDebugResponse{})
		default:
			json.NewEncoder(w).Encode(control.OperResponse{Status: "ok"})
		}
	}))
	defer srv.Close()

	cli := newTestCLI(srv.URL)

	tests := []struct {
		line       string
		wantMethod string
		wantPath   string
	}{
		{"renew", http.MethodPost, "/api/v1/oper/renew"},
		{"release", http.MethodPost, "/api/v1/oper/release"},
		{"restart", http.MethodPost, "/api/v1/oper/restart"},
		{"logging client debug", http.MethodPost, "/api/v1/oper/logging/client"},
		{"debug-events", http.MethodPost, "/api/v1/oper/events/debug"},
	}

	for _, tt := range tests {
		if err := cli.execute(context.Background(), tt.line); err != nil {
			t.Fatalf("execute(%q): %v", tt.line, err)
		}
		if gotMethod != tt.wantMethod || gotPath != tt.wantPath {
			t.Errorf("execute(%q) hit %s %s, want %s %s",
				tt.line, gotMethod, gotPath, tt.wantMethod, tt.wantPath)
		}
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	cli := newTestCLI("127.0.0.1:8053")

	err := cli.execute(context.Background(), "frobnicate now")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v, want unknown command", err)
	}
}

func TestLoggingUsageError(t *testing.T) {
	cli := newTestCLI("127.0.0.1:8053")

	err := cli.execute(context.Background(), "logging client")
	if err == nil || !strings.Contains(err.Error(), "usage:") {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestProcessCommandExitWords(t *testing.T) {
	for _, word := range []string{"exit", "quit"} {
		cli := newTestCLI("127.0.0.1:8053")
		if err := cli.processCommand(word); err != nil {
			t.Fatalf("processCommand(%q): %v", word, err)
		}
		if cli.running {
			t.Fatalf("processCommand(%q) left the shell running", word)
		}
	}
}

func TestAPIClientErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conflict":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(control.ErrorResponse{Error: "renew is only valid while bound"})
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	api := newAPIClient(srv.URL)

	err := api.post(context.Background(), "/conflict", nil, nil)
	if err == nil || err.Error() != "renew is only valid while bound" {
		t.Fatalf("conflict error = %v, want the server's message", err)
	}

	err = api.get(context.Background(), "/broken", nil)
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("plain failure error = %v, want the status line", err)
	}
}
