package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"emcfan/internal/emc2305"
)

func init() {
	rootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that an EMC2305 answers at the configured address",
	Args:  cobra.NoArgs,
	RunE:  probe,
}

func probe(cmd *cobra.Command, args []string) error {
	b, addr, err := openBus()
	if err != nil {
		return err
	}
	defer b.Close()

	tr := emc2305.NewTransport(b, addr)
	if err := emc2305.Probe(tr); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "EMC2305 found at 0x%02X\n", tr.Address())
	return nil
}
