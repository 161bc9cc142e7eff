package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	keyscmd "github.com/kilnrun/kiln/cmd/apikey"
	versioncmd "github.com/kilnrun/kiln/cmd/version"
)

func main() {
	cmd := &cobra.Command{
		Use:              "kilnctl",
		SilenceUsage:     true,
		TraverseChildren: true,

		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd.AddCommand(keyscmd.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)
	go func() {
		<-sigs
		_, _ = fmt.Fprintln(os.Stderr, "\nAborted...")
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
