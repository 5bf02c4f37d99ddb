package cmd

import (
	"github.com/spf13/cobra"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:   "xylem",
	Short: "Xylem - personal memory engine",
	Long:  "Local-first memory with retrieval fusion and grounded synthesis, served over the Model Context Protocol.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the xylem command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// serve, version, status (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)

	// think, forget (defined in think.go)
	rootCmd.AddCommand(thinkCmd)
	rootCmd.AddCommand(forgetCmd)

	// search, ask (defined in query.go)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(askCmd)

	// import, export (defined in import_export.go)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)
}
