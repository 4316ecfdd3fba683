package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/veesix-networks/osdhcpc/internal/control"
	"github.com/veesix-networks/osdhcpc/pkg/events"
	"github.com/veesix-networks/osdhcpc/pkg/version"
)

type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{},
	}
}

func (a *apiClient) get(ctx context.Context, path string, out any) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

func (a *apiClient) post(ctx context.Context, path string, body, out any) error {
	return a.do(ctx, http.MethodPost, path, body, out)
}

func (a *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr control.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(ctx context.Context, cli *CLI, args []string) error {
	var status control.StatusResponse
	if err := cli.api.get(ctx, "/api/v1/status", &status); err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	fmt.Println()
	fmt.Printf("Interface:         %s\n", status.Interface)
	fmt.Printf("State:             %s\n", status.State)
	fmt.Printf("XID:               0x%08x\n", status.XID)
	if status.Address != "" {
		fmt.Printf("Address:           %s\n", status.Address)
	}
	if status.ServerID != "" {
		fmt.Printf("Server:            %s\n", status.ServerID)
	}
	if status.LeaseSeconds > 0 {
		fmt.Printf("Lease:             %ds\n", status.LeaseSeconds)
	}
	if status.BoundAt != nil {
		fmt.Printf("Bound at:          %s\n", status.BoundAt.Format(time.RFC3339))
	}
	if status.RenewsAt != nil {
		fmt.Printf("Renews at:         %s\n", status.RenewsAt.Format(time.RFC3339))
	}
	if status.RebindsAt != nil {
		fmt.Printf("Rebinds at:        %s\n", status.RebindsAt.Format(time.RFC3339))
	}
	if status.ExpiresAt != nil {
		fmt.Printf("Expires at:        %s\n", status.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}

func cmdLease(ctx context.Context, cli *CLI, args []string) error {
	var record any
	if err := cli.api.get(ctx, "/api/v1/lease", &record); err != nil {
		return fmt.Errorf("failed to get lease: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

func cmdEvents(ctx context.Context, cli *CLI, args []string) error {
	var resp control.EventsResponse
	if err := cli.api.get(ctx, "/api/v1/events", &resp); err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}

	if len(resp.Events) == 0 {
		fmt.Println("No events recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTOPIC\tSOURCE\tDATA")

	for _, evt := range resp.Events {
		data, err := json.Marshal(evt.Data)
		if err != nil {
			data = []byte("-")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			evt.Timestamp.Format("15:04:05"), evt.Topic, evt.Source, data)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d events\n", len(resp.Events))
	return nil
}

func cmdStats(ctx context.Context, cli *CLI, args []string) error {
	var stats events.Stats
	if err := cli.api.get(ctx, "/api/v1/events/stats", &stats); err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println()
	fmt.Println("Event Bus Statistics")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Published:            %d\n", stats.Published)
	fmt.Printf("Dropped:              %d\n", stats.Dropped)
	fmt.Printf("Queue:                %d/%d\n", stats.PublishChLen, stats.PublishChCap)
	if len(stats.Topics) > 0 {
		fmt.Println()
		fmt.Println("Subscribers per topic:")
		for _, topic := range stats.Topics {
			fmt.Printf("  %-40s %d\n", topic.Topic, topic.Subscribers)
		}
	}
	if len(stats.DebugTopics) > 0 {
		fmt.Println()
		fmt.Printf("Debug topics:         %s\n", strings.Join(stats.DebugTopics, ", "))
	}
	fmt.Println()
	return nil
}

func cmdRenew(ctx context.Context, cli *CLI, args []string) error {
	var resp control.OperResponse
	if err := cli.api.post(ctx, "/api/v1/oper/renew", nil, &resp); err != nil {
		return fmt.Errorf("failed to renew: %w", err)
	}
	fmt.Println("Renewal requested")
	return nil
}

func cmdRelease(ctx context.Context, cli *CLI, args []string) error {
	var resp control.OperResponse
	if err := cli.api.post(ctx, "/api/v1/oper/release", nil, &resp); err != nil {
		return fmt.Errorf("failed to release: %w", err)
	}
	fmt.Println("Lease released")
	return nil
}

func cmdRestart(ctx context.Context, cli *CLI, args []string) error {
	var resp control.OperResponse
	if err := cli.api.post(ctx, "/api/v1/oper/restart", nil, &resp); err != nil {
		return fmt.Errorf("failed to restart: %w", err)
	}
	fmt.Println("Acquisition restarted")
	return nil
}

func cmdLogging(ctx context.Context, cli *CLI, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: logging <component> <level>")
	}

	level := args[1]
	if level == "default" {
		level = ""
	}

	var resp control.LoggingResponse
	err := cli.api.post(ctx, "/api/v1/oper/logging/"+args[0],
		control.LoggingRequest{Level: level}, &resp)
	if err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}

	fmt.Printf("Component %s now logs at %s\n", resp.Name, resp.Level)
	return nil
}

func cmdDebugEvents(ctx context.Context, cli *CLI, args []string) error {
	var resp control.EventsDebugResponse
	err := cli.api.post(ctx, "/api/v1/oper/events/debug",
		control.EventsDebugRequest{Topics: args}, &resp)
	if err != nil {
		return fmt.Errorf("failed to set debug topics: %w", err)
	}

	if len(resp.Topics) == 0 {
		fmt.Println("Event debug logging disabled")
	} else {
		fmt.Printf("Event debug logging enabled for %s\n", strings.Join(resp.Topics, ", "))
	}
	return nil
}

func cmdVersion(ctx context.Context, cli *CLI, args []string) error {
	fmt.Println(version.Full())
	return nil
}

func cmdHelp(ctx context.Context, cli *CLI, args []string) error {
	cli.printHelp()
	return nil
}
