package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "socialpulse",
	Short: "SocialPulse - social media analytics collection",
	Long: `SocialPulse collects follower, post and engagement metrics for tracked
social media accounts on a schedule and stores them as snapshots.

Usage:
  socialpulse [command] [flags]

Available Commands:
  serve      Run the scheduler and the HTTP API (main mode)
  collect    Run one collection pass now
  accounts   Manage tracked accounts
  token      Store or revoke account credentials
  runs       Show recent collection runs
  keygen     Generate a credential encryption key
  doctor     Diagnose configuration, database and credentials

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to SQLite database (overrides database.path)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "socialpulse [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Set at build time with -ldflags "-X ...cli.Version=...".
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// InitRoot initializes the root command with global flags
func InitRoot() {
	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", defaultConfigPath(), "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", "", "Path to SQLite database (overrides database.path)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of SocialPulse",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := GetVersionInfo()
		if globalFlags.JSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "SocialPulse Version:", info.Version)
		fmt.Fprintln(out, "Go Version:", info.GoVersion)
		fmt.Fprintln(out, "OS/Arch:", info.OS+"/"+info.Arch)
		fmt.Fprintln(out, "Build Date:", info.BuildDate)
		return nil
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}
