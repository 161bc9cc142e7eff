// Package apikey implements the kilnctl key management commands. They all
// drive the server's master-keyed admin API over HTTP; nothing here touches
// the key store directly.
package apikey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const masterKeyEnvVar = "MASTER_API_KEY"

// GlobalOptions carry the connection flags shared by every subcommand.
type GlobalOptions struct {
	Server    string
	MasterKey string
}

func bindGlobalFlags(flags *pflag.FlagSet, opts *GlobalOptions) {
	flags.StringVar(&opts.Server, "server", "http://localhost:8000", "Base URL of the kiln server")
}

// resolve fills the master key from the environment and validates it.
func (o *GlobalOptions) resolve() error {
	o.MasterKey = os.Getenv(masterKeyEnvVar)
	if o.MasterKey == "" {
		return fmt.Errorf("%s is not set", masterKeyEnvVar)
	}
	return nil
}

// adminClient is a thin wrapper over the admin HTTP API.
type adminClient struct {
	opts GlobalOptions
	http *http.Client
}

func newAdminClient(opts GlobalOptions) *adminClient {
	return &adminClient{
		opts: opts,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues one admin request and decodes the JSON reply into out.
func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.Server+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.opts.MasterKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// NewCommand is the `kilnctl keys` command tree.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "keys",
		Short:        "Manage API keys",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(NewCreateCommand())
	cmd.AddCommand(NewListCommand())
	cmd.AddCommand(NewShowCommand())
	cmd.AddCommand(NewUpdateCommand())
	cmd.AddCommand(NewRevokeCommand())
	cmd.AddCommand(NewUsageCommand())
	return cmd
}
