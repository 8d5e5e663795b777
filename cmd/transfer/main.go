package main

import (
	"os"

	"github.com/SpatiumPortae/datatransfer/cmd/transfer/commands"
	"github.com/SpatiumPortae/datatransfer/cmd/transfer/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Set with ldflags.
var version string = "v0.0.0"

// rootCmd is the top level `transfer` command on which the other subcommands are attached to.
var rootCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer streams content between repositories over a websocket protocol.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(); err != nil {
			return err
		}
		return viper.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose"))
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug information to stderr")

	rootCmd.AddCommand(commands.Serve(version))
	rootCmd.AddCommand(commands.Push(version))
	rootCmd.AddCommand(commands.Export(version))
	rootCmd.AddCommand(commands.Config())
	rootCmd.AddCommand(commands.Version(version))
}
