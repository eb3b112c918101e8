package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/m46e-project/m46ed/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print m46ectl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("m46ectl"))
		},
	}
}
