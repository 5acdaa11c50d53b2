package main

import (
	"github.com/spf13/cobra"

	"github.com/mailchannels/relay"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Run: func(cmd *cobra.Command, args []string) {
		logVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func logVersion() {
	mainlog.WithField("version", relay.Version).
		WithField("buildTime", relay.BuildTime).
		WithField("commit", relay.Commit).
		Info("relayd")
}
