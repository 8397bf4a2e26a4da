package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultEnvFile = ".env"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "livepoll",
		Short:         "Live classroom polling server",
		Long:          "livepoll runs one live polling session: a presenter asks timed questions, participants vote over WebSocket and everyone sees results as they arrive.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "path to a yaml config file (default: ./livepoll.yaml if present)")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "dotenv file loaded into the environment before reading config")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return rootCmd
}

// loadEnvFile loads a dotenv file without overriding variables already set.
// A missing default file is fine; a missing explicitly named one is not.
func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
