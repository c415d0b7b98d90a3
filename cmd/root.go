// Package cmd implements the moray command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/misterdjules/moray"
	"github.com/misterdjules/moray/internal/logger"
)

var (
	dbURL string
	debug bool
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var RootCmd = &cobra.Command{
	Use:   "moray",
	Short: "Schema-aware JSON object store on PostgreSQL",
	Long: `moray stores JSON objects in named buckets backed by PostgreSQL.
Buckets declare indexed fields that are projected into typed columns,
so objects can be queried with LDAP-style filters.

Use "moray [command] --help" for more information about a command.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetGlobal(logger.New(debug))
	},
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&dbURL, "url", os.Getenv("MORAY_URL"),
		"PostgreSQL connection string (defaults to MORAY_URL)")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	RootCmd.AddCommand(bucketCmd)
	RootCmd.AddCommand(putCmd)
	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(delCmd)
	RootCmd.AddCommand(findCmd)
	RootCmd.AddCommand(updateCmd)
	RootCmd.AddCommand(reindexCmd)
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("moray %s@%s\n", Version, GitCommit)
	},
}

// newStore connects using the --url flag.
func newStore(cmd *cobra.Command) (*moray.Store, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("no database URL: pass --url or set MORAY_URL")
	}
	return moray.New(cmd.Context(), moray.Config{
		URL: dbURL,
		Log: logger.Get(),
	})
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
