// ABOUTME: Operator subcommands that query a running cauldron server over HTTP
// ABOUTME: Reads CAULDRON_TOKEN for authenticated servers and prints human-friendly tables

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/cauldron/internal/bridge"
	"github.com/2389/cauldron/internal/config"
	"github.com/2389/cauldron/internal/gateway"
)

// apiGet fetches path from the configured server and decodes the JSON body
// into out.
func apiGet(ctx context.Context, path string, out any) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Server.HTTPAddr+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token := os.Getenv("CAULDRON_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	if err := apiGet(ctx, "/health", nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runHosts(ctx context.Context) error {
	var resp struct {
		Hosts []gateway.HostResponse `json:"hosts"`
	}
	if err := apiGet(ctx, "/api/hosts", &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tOUTSTANDING\tSENT\tTIMEOUTS\tUNAVAILABLE")
	for _, h := range resp.Hosts {
		state := color.RedString("down")
		if h.Connected {
			state = color.GreenString("up")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			h.ID, h.Name, h.Hypervisor, state,
			h.Outstanding, h.MaxOutstanding,
			humanize.Comma(h.Sent), humanize.Comma(h.Timeouts), humanize.Comma(h.Unavailable),
		)
	}
	return w.Flush()
}

func runJobs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (queued, in_progress, succeeded, failed)")
	limit := fs.Int("limit", 20, "maximum number of jobs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	q.Set("limit", strconv.Itoa(*limit))

	var resp struct {
		Jobs []bridge.JobView `json:"jobs"`
	}
	if err := apiGet(ctx, "/api/jobs?"+q.Encode(), &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tCODE\tINSTANCE\tACCOUNT\tCREATED\tTOOK")
	for _, j := range resp.Jobs {
		instance := "-"
		if j.InstanceType != "" {
			instance = fmt.Sprintf("%s %d", j.InstanceType, j.InstanceID)
		}
		took := "-"
		if j.Completed != nil {
			took = j.Completed.Sub(j.Created).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			j.JobID, j.Command, colorStatus(string(j.Status)), j.ResultCode,
			instance, j.AccountID, humanize.Time(j.Created), took,
		)
	}
	return w.Flush()
}

func colorStatus(s string) string {
	switch s {
	case "succeeded":
		return color.GreenString(s)
	case "failed":
		return color.RedString(s)
	case "in_progress":
		return color.CyanString(s)
	}
	return color.YellowString(s)
}
