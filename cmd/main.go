package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/envrun/envrun/cmd/cli"
	"github.com/envrun/envrun/internal/version"
	"github.com/envrun/envrun/pkg/logger"
)

var logMode string

var runFlags cli.RunFlags

var rootCmd = &cobra.Command{
	Use:   "envrun",
	Short: "Envrun",
	Long:  `A test automation tool that runs project checks in isolated, reproducible environments`,
	Args:  cobra.ArbitraryArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch logMode {
		case "debug", "pretty", "info", "prod", "test":
			logger.InitWithMode(logger.LogMode(logMode))
		default:
			logger.InitWithMode(logger.LogModePretty)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		exit(cli.RunRun(withPosArgs(cmd, args)))
	},
}

func main() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showConfigCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [-- posargs...]",
	Short: "Run the selected environments",
	Args:  cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(cli.RunRun(withPosArgs(cmd, args)))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the environments defined in the project file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(cli.RunList(runFlags.Config))
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "showconfig [env...]",
	Short: "Print the fully resolved configuration",
	Run: func(cmd *cobra.Command, args []string) {
		flags := runFlags
		if at := cmd.ArgsLenAtDash(); at >= 0 {
			flags.PosArgs = args[at:]
			args = args[:at]
		}
		flags.Envs = args
		exit(cli.RunShowConfig(flags))
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove cached environment state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(cli.RunClean(runFlags, cleanAll))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past runs from the history store",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(cli.RunHistory(runFlags, historyEnv, historyLimit, historyJSON))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve [-- posargs...]",
	Short: "Watch the project and re-run environments on change",
	Args:  cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(cli.RunServe(withPosArgs(cmd, args)))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the envrun version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("envrun " + version.Version)
	},
}

var (
	cleanAll     bool
	historyEnv   string
	historyLimit int
	historyJSON  bool
)

// withPosArgs splits the command line at the -- separator: everything after
// it becomes positional arguments passed through to the environments.
func withPosArgs(cmd *cobra.Command, args []string) cli.RunFlags {
	flags := runFlags
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		flags.PosArgs = args[at:]
		args = args[:at]
	}
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q (select environments with -e, put positional arguments after --)\n", args[0])
		os.Exit(1)
	}
	return flags
}

func exit(code int) {
	if code != 0 {
		os.Exit(code)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&runFlags.Envs, "envs", "e", nil, "Environments to run instead of the configured envlist")
	cmd.Flags().IntVarP(&runFlags.Parallel, "parallel", "p", 0, "Maximum environments to run at once (0 uses the settings default)")
	cmd.Flags().BoolVar(&runFlags.Recreate, "recreate", false, "Recreate environments even when their definition is unchanged")
	cmd.Flags().BoolVar(&runFlags.FailedFirst, "failed-first", false, "Run environments that failed last time first")
	cmd.Flags().StringVar(&runFlags.ResultJSON, "result-json", "", "Write the run report as JSON to this file")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")
	rootCmd.PersistentFlags().StringVarP(&runFlags.Config, "config", "c", "", "Project file (default: envrun.ini or envrun.toml found upward from the current directory)")
	rootCmd.PersistentFlags().StringVar(&runFlags.Settings, "settings", "", "Settings file (default: $ENVRUN_CONFIG or the user config directory)")
	rootCmd.PersistentFlags().StringVar(&runFlags.WorkDir, "workdir", "", "State directory (default: .envrun under the project root)")

	addRunFlags(rootCmd)
	addRunFlags(runCmd)

	serveCmd.Flags().StringSliceVarP(&runFlags.Envs, "envs", "e", nil, "Environments to run instead of the configured envlist")
	serveCmd.Flags().IntVarP(&runFlags.Parallel, "parallel", "p", 0, "Maximum environments to run at once (0 uses the settings default)")
	serveCmd.Flags().BoolVar(&runFlags.FailedFirst, "failed-first", false, "Run environments that failed last time first")
	serveCmd.Flags().StringVar(&runFlags.Addr, "addr", "", "HTTP listen address (default from settings)")

	cleanCmd.Flags().StringSliceVarP(&runFlags.Envs, "envs", "e", nil, "Environments to clean instead of all of them")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove the entire state directory")

	historyCmd.Flags().StringVar(&historyEnv, "env", "", "Only show runs that included this environment")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print the runs as JSON")
}
