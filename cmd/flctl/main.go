// Package main implements flctl, the curation CLI for a flowlearn server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	serverURL string
	timeout   time.Duration
	json      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "flctl",
		Short: "Curate a flowlearn server",
		Long: `flctl talks to the flowlearn HTTP API. It asks for component suggestions
and performs the reviewer operations: activating and retiring patterns,
approving training examples, switching prompt versions and resolving
ingestion anomalies.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("FLOWLEARN_SERVER", "http://localhost:8686"), "flowlearn server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newSuggestCmd(opts),
		newPatternsCmd(opts),
		newExamplesCmd(opts),
		newPromptsCmd(opts),
		newAnomaliesCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError is the server's error body.
type apiError struct {
	Error string `json:"error"`
}

// call sends body as JSON and decodes the response into out. Both may be nil.
func (o *options) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := strings.TrimRight(o.serverURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// emit prints v as indented JSON when --json is set and reports whether it
// did.
func (o *options) emit(cmd *cobra.Command, v interface{}) (bool, error) {
	if !o.json {
		return false, nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

// healthResponse matches internal/http HealthResponse.
type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check flowlearn server health",
		Long: `Check the health status of the flowlearn HTTP server.

Examples:
  # Check health
  flctl health

  # Check health on a different server
  flctl health --server http://localhost:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp healthResponse
			if err := opts.call(cmd.Context(), http.MethodGet, "/health", nil, nil, &resp); err != nil {
				return err
			}
			if done, err := opts.emit(cmd, resp); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", statusText(resp.Status))
			return nil
		},
	}
}
