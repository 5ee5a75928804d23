package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dataq-logger/internal/collector"
	"dataq-logger/internal/transport"
)

var portsAll bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List USB serial ports and the DATAQ family each one matches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.Enumerate()
		if err != nil {
			return fmt.Errorf("enumerate ports: %w", err)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PORT\tVID:PID\tFAMILY\tSERIAL\tPRODUCT")
		matched := 0
		for _, p := range ports {
			family := "-"
			for _, f := range collector.Families() {
				if p.VendorID == f.VendorID() && p.ProductID == f.ProductID() {
					family = f.Name()
					matched++
				}
			}
			if family == "-" && !portsAll {
				continue
			}
			fmt.Fprintf(tw, "%s\t%04x:%04x\t%s\t%s\t%s\n", p.Name, p.VendorID, p.ProductID, family, p.Serial, p.Product)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if matched == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "no DATAQ devices found")
		}
		return nil
	},
}

func init() {
	portsCmd.Flags().BoolVarP(&portsAll, "all", "a", false, "also list ports that match no DATAQ family")
}
