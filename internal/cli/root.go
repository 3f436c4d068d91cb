// Package cli builds the croxy command tree: the "serve" command that runs
// the proxy, plus stub subcommands reserved for a future build.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// Execute builds and runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "croxy",
		Short: "A local reverse proxy for the Anthropic Messages API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default ~/.config/croxy/config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(shellenvCmd())
	root.AddCommand(configCmd())

	return root
}

func notImplemented(name string) *cobra.Command {
	return &cobra.Command{
		Use:           name,
		Short:         fmt.Sprintf("%s (not implemented in this build)", name),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "croxy: %s is not implemented in this build\n", name)
			os.Exit(1)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return notImplemented("init")
}

func shellenvCmd() *cobra.Command {
	return notImplemented("shellenv")
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit configuration (not implemented in this build)",
	}
	cmd.AddCommand(notImplemented("get"))
	cmd.AddCommand(notImplemented("set"))
	return cmd
}
