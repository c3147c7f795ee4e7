package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"emcfan/internal/emc2305"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the configuration and fan registers",
	Long: `Print the global configuration registers and each fan block.

The latched status registers are not read, so dump does not clear faults
or release ALERT#.`,
	Args: cobra.NoArgs,
	RunE: dump,
}

func dump(cmd *cobra.Command, args []string) error {
	b, addr, err := openBus()
	if err != nil {
		return err
	}
	defer b.Close()

	regs, err := emc2305.ReadRegisters(emc2305.NewTransport(b, addr))
	w := cmd.OutOrStdout()
	for _, r := range regs {
		fmt.Fprintf(w, "0x%02X  %-18s 0x%02X\n", r.Reg, r.Name, r.Value)
	}
	return err
}
