package apikey

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/api"
)

func NewCreateCommand() *cobra.Command {
	var opts GlobalOptions
	var name string
	var perSecond, perMinute, hourly, daily, monthly int

	cmd := &cobra.Command{
		Use:          "create",
		Short:        "Creates a new API key",
		SilenceUsage: true,
	}
	bindGlobalFlags(cmd.Flags(), &opts)
	cmd.Flags().StringVar(&name, "name", "", "Display name for the key")
	cmd.Flags().IntVar(&perSecond, "per-second", 0, "Per-second rate limit (0 = unlimited)")
	cmd.Flags().IntVar(&perMinute, "per-minute", 0, "Per-minute rate limit (0 = unlimited)")
	cmd.Flags().IntVar(&hourly, "hourly", 0, "Hourly rate limit (0 = unlimited)")
	cmd.Flags().IntVar(&daily, "daily", 0, "Daily rate limit (0 = unlimited)")
	cmd.Flags().IntVar(&monthly, "monthly", 0, "Monthly rate limit (0 = unlimited)")
	_ = cmd.MarkFlagRequired("name")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.resolve(); err != nil {
			return err
		}
		req := api.CreateKeyRequest{Name: name, RateLimits: &api.RateLimits{}}
		setLimit := func(dst **int, v int) {
			if v > 0 {
				*dst = &v
			}
		}
		setLimit(&req.RateLimits.PerSecond, perSecond)
		setLimit(&req.RateLimits.PerMinute, perMinute)
		setLimit(&req.RateLimits.Hourly, hourly)
		setLimit(&req.RateLimits.Daily, daily)
		setLimit(&req.RateLimits.Monthly, monthly)

		var resp api.CreateKeyResponse
		if err := newAdminClient(opts).do(cmd.Context(), "POST", "/admin/keys", req, &resp); err != nil {
			return err
		}
		fmt.Printf("API key created. Store it now; it is never shown again.\n\n")
		fmt.Printf("  %s\n\n", resp.APIKey)
		fmt.Printf("Name:   %s\nPrefix: %s\nHash:   %s\n", resp.Record.Name, resp.Record.KeyPrefix, resp.Record.KeyHash)
		return nil
	}
	return cmd
}

func NewListCommand() *cobra.Command {
	var opts GlobalOptions
	var includeEnv bool

	cmd := &cobra.Command{
		Use:          "list",
		Short:        "Lists API keys",
		SilenceUsage: true,
	}
	bindGlobalFlags(cmd.Flags(), &opts)
	cmd.Flags().BoolVar(&includeEnv, "include-environment", false, "Include environment-configured keys")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.resolve(); err != nil {
			return err
		}
		path := "/admin/keys"
		if includeEnv {
			path += "?include_environment=true"
		}
		var records []api.APIKeyResponse
		if err := newAdminClient(opts).do(cmd.Context(), "GET", path, nil, &records); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PREFIX\tNAME\tENABLED\tSOURCE\tUSAGE\tCREATED")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n",
				rec.KeyPrefix, rec.Name, rec.Enabled, rec.Source, rec.UsageCount,
				rec.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	}
	return cmd
}

func NewShowCommand() *cobra.Command {
	var opts GlobalOptions

	cmd := &cobra.Command{
		Use:          "show HASH",
		Short:        "Shows one API key record",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	bindGlobalFlags(cmd.Flags(), &opts)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.resolve(); err != nil {
			return err
		}
		var usage struct {
			Record  api.APIKeyResponse `json:"record"`
			Windows []api.WindowStatus `json:"windows"`
		}
		if err := newAdminClient(opts).do(cmd.Context(), "GET", "/admin/keys/"+args[0]+"/usage", nil, &usage); err != nil {
			return err
		}
		rec := usage.Record
		fmt.Printf("Name:    %s\nPrefix:  %s\nHash:    %s\nEnabled: %t\nSource:  %s\nUsage:   %d\nCreated: %s\n",
			rec.Name, rec.KeyPrefix, rec.KeyHash, rec.Enabled, rec.Source, rec.UsageCount,
			rec.CreatedAt.Format("2006-01-02 15:04:05"))
		if rec.LastUsedAt != nil {
			fmt.Printf("Last used: %s\n", rec.LastUsedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}
	return cmd
}

func NewUpdateCommand() *cobra.Command {
	var opts GlobalOptions
	var name string
	var enable, disable bool

	cmd := &cobra.Command{
		Use:          "update HASH",
		Short:        "Updates an API key",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	bindGlobalFlags(cmd.Flags(), &opts)
	cmd.Flags().StringVar(&name, "name", "", "New display name")
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable the key")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable the key")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.resolve(); err != nil {
			return err
		}
		if enable && disable {
			return fmt.Errorf("--enable and --disable are mutually exclusive")
		}
		req := api.UpdateKeyRequest{}
		if name != "" {
			req.Name = &name
		}
		if enable {
			v := true
			req.Enabled = &v
		}
		if disable {
			v := false
			req.Enabled = &v
		}
		if err := newAdminClient(opts).do(cmd.Context(), "PATCH", "/admin/keys/"+args[0], req, nil); err != nil {
			return err
		}
		fmt.Println("updated")
		return nil
	}
	return cmd
}

func NewRevokeCommand() *cobra.Command {
	var opts GlobalOptions

	cmd := &cobra.Command{
		Use:          "revoke HASH",
		Short:        "Revokes an API key",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	bindGlobalFlags(cmd.Flags(), &opts)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.resolve(); err != nil {
			return err
		}
		if err := newAdminClient(opts).do(cmd.Context(), "DELETE", "/admin/keys/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	}
	return cmd
}

func NewUsageCommand() *cobra.Command {
	var opts GlobalOptions

	cmd := &cobra.Command{
		Use:          "usage HASH",
		Short:        "Shows a key's rate limit windows",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
	}
	bindGlobalFlags(cmd.Flags(), &opts)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := opts.resolve(); err != nil {
			return err
		}
		var usage struct {
			Windows []api.WindowStatus `json:"windows"`
		}
		if err := newAdminClient(opts).do(cmd.Context(), "GET", "/admin/keys/"+args[0]+"/usage", nil, &usage); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WINDOW\tLIMIT\tUSED\tREMAINING\tRESETS AT")
		for _, ws := range usage.Windows {
			limit, remaining := "-", "-"
			if ws.Limit != nil {
				limit = fmt.Sprintf("%d", *ws.Limit)
			}
			if ws.Remaining != nil {
				remaining = fmt.Sprintf("%d", *ws.Remaining)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				ws.Window, limit, ws.Used, remaining, ws.ResetsAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	}
	return cmd
}
