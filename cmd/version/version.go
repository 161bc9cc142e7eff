package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/support/supportedversion"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(supportedversion.String())
		},
	}
}
