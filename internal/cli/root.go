// Package cli wires together the sentrygate root Cobra command and the
// shared runtime (store, effector registry, audit log, orchestrator) every
// subcommand operates against.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bartekus/sentrygate/internal/cli/commands"
	"github.com/bartekus/sentrygate/internal/cliapp"
	"github.com/bartekus/sentrygate/internal/config"
)

// NewRootCommand constructs the sentrygate root Cobra command: a thin CLI
// driver exercising the six orchestrator operations plus the admin
// operations, standing in for an HTTP transport a production deployment
// would front it with.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("SENTRYGATE_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "sentrygate",
		Short:         "sentrygate – local-first control plane for gating privileged agent actions",
		Long:          "sentrygate mediates filesystem, shell, and network action requests from autonomous agents, turning each into an inspectable, admin-approved plan before any effect is carried out.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}

			verbose, _ := cmd.Flags().GetBool("verbose")
			seedPath, _ := cmd.Flags().GetString("seed")

			proc, err := config.LoadProcess()
			if err != nil {
				return fmt.Errorf("loading process config: %w", err)
			}

			app, err := cliapp.New(cmd.Context(), proc, seedPath, verbose)
			if err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}

			cmd.SetContext(cliapp.WithApp(cmd.Context(), app))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			app, err := cliapp.FromContext(cmd.Context())
			if err != nil {
				return nil // no app was initialized (e.g. the version command)
			}
			return app.Store.Close()
		},
	}

	// Global flags, registered in lexicographic order for deterministic help output.
	cmd.PersistentFlags().String("seed", "", "path to a settings seed YAML file (only used on a fresh database)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of sentrygate",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sentrygate version %s\n", version)
		},
	})

	// Subcommands, registered in lexicographic order by .Use.
	cmd.AddCommand(commands.NewAgentCommand())
	cmd.AddCommand(commands.NewAuditCommand())
	cmd.AddCommand(commands.NewLockdownCommand())
	cmd.AddCommand(commands.NewRequestCommand())
	cmd.AddCommand(commands.NewSafeModeCommand())
	cmd.AddCommand(commands.NewSettingsCommand())

	return cmd
}
