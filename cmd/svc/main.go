package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(newCommand())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and all subcommands
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	testFlags := &TestWorkerFlags{}
	runFlags := &RunFlags{}
	tailFlags := &TailFlags{}

	root := createRootCommand(c, globalFlags)
	root.AddCommand(
		createVersionCommand(c),
		createInitCommand(c),
		createCheckCommand(c, globalFlags),
		createTestWorkerCommand(c, globalFlags, testFlags),
		createInstallCommand(c, globalFlags),
		createStartCommand(c, globalFlags),
		createStopCommand(c, globalFlags),
		createRestartCommand(c, globalFlags),
		createRemoveCommand(c, globalFlags),
		createRunCommand(c, runFlags),
		createTailCommand(c, globalFlags, tailFlags),
		createFleetCommand(c, opStartAll),
		createFleetCommand(c, opStopAll),
		createFleetCommand(c, opRestartAll),
		createFleetCommand(c, opRemoveAll),
	)
	return root
}

func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svc",
		Short: "Run any executable as a supervised system service",
		Long: `svc turns a worker executable into a system service. The worker is
described by svc.conf in a project directory; svc installs a service for it,
restarts it when it crashes, captures its output into daily files and stops
it cooperatively by writing "exit" to its stdin.

Examples:
  svc init myproject
  svc check --dir myproject
  svc install --dir myproject
  svc restart-all`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.PersistentFlags().StringVarP(&flags.Dir, "dir", "d", ".", "project directory containing svc.conf")
	return root
}

func createVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.printf("easysvc %s\n", version)
			return nil
		},
	}
}

func createInitCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "init DIR",
		Short: "Create a project directory with a sample svc.conf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(args[0])
		},
	}
}

func createCheckCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "check",
		Aliases: []string{"status"},
		Short:   "Validate svc.conf and show the service status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(cmd.Context(), *flags)
		},
	}
}

func createTestWorkerCommand(c *command, flags *GlobalFlags, testFlags *TestWorkerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-worker",
		Short: "Run the worker in the foreground; Ctrl-C stops it gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.TestWorker(*flags, *testFlags)
		},
	}
	cmd.Flags().BoolVar(&testFlags.Popup, "popup", false, "attach the worker to this terminal (no output capture, no graceful stop)")
	cmd.Flags().BoolVarP(&testFlags.Verbose, "verbose", "v", false, "show informational supervisor events")
	return cmd
}

func createInstallCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the project as a system service and start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Install(cmd.Context(), *flags)
		},
	}
}

func createStartCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the installed service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *flags)
		},
	}
}

func createStopCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the installed service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *flags)
		},
	}
}

func createRestartCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the installed service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), *flags)
		},
	}
}

func createRemoveCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Stop and uninstall the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(cmd.Context(), *flags)
		},
	}
}

func createRunCommand(c *command, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Service entry point, invoked by the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *runFlags)
		},
	}
	cmd.Flags().StringVar(&runFlags.Service, "service", "", "installed service name")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func createTailCommand(c *command, flags *GlobalFlags, tailFlags *TailFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the worker's last output line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Tail(cmd.Context(), *flags, *tailFlags)
		},
	}
	cmd.Flags().BoolVarP(&tailFlags.Follow, "follow", "f", true, "keep printing as the worker writes")
	return cmd
}

func createFleetCommand(c *command, op fleetOp) *cobra.Command {
	return &cobra.Command{
		Use:   string(op),
		Short: fleetShort[op],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fleet(cmd.Context(), op)
		},
	}
}
