package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dataqlog",
	Short: "Record DATAQ DI-1100 and DI-245 readings to rotating CSV chunks",
	Long: `dataqlog discovers DATAQ acquisition devices on USB serial ports, scans
every device concurrently and records calibrated readings to time-windowed
CSV chunk files, with optional S3 upload, Redis threshold alerts, a SQLite
mirror and a Modbus TCP view of the latest values.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dataqlog %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, portsCmd, peekCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
