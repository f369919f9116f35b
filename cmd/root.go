package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "events-api",
	Short: "User-activity analytics service",
	Long: `A service that ingests timestamped user-activity events with
idempotent upsert semantics and answers aggregate analytics queries
(daily active users, top event types, weekly cohort retention).`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
