package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/version"
)

var rootCmd = &cobra.Command{
	Use:           "promptforged",
	Short:         "PromptForge - prompt optimization service",
	Version:       version.GetVersion(),
	SilenceUsage:  true,  // Don't print usage on error
	SilenceErrors: false, // Do print errors
	Long: `PromptForge analyzes raw prompts, selects an optimization strategy,
rewrites the prompt, and validates the rewrite, streaming progress as it
goes. The daemon serves the HTTP API, the event relay, and the
background job queue.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Runs before every subcommand.
		if cmd.Flags().Changed("verbose") {
			verbose, err := cmd.Flags().GetBool("verbose")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error getting verbose flag: %v\n", err)
				return
			}
			logger.SetVerbose(verbose)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

func Execute() {
	rootCmd.SetVersionTemplate(version.GetVersionInfo() + "\n")
	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

func main() {
	Execute()
}
