// emcfanctl inspects an EMC2305 fan controller directly over I2C, or through
// a running emcfand.
package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"emcfan/internal/busio"
	"emcfan/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "emcfanctl",
	Short:         "emcfanctl is a utility to inspect and drive EMC2305 fan controllers",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var rootOpts = struct {
	Config string
	Server string
}{}

var openBusFn = busio.Open

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.Config, "config", "c", "/etc/emcfan/emcfan.yaml", "path to the YAML config (~ is expanded)")
	rootCmd.PersistentFlags().StringVarP(&rootOpts.Server, "server", "s", "http://127.0.0.1:8080", "emcfand web API base URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "emcfanctl: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path, err := homedir.Expand(rootOpts.Config)
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

// openBus opens the bus described by the config file and returns the
// device address to talk to.
func openBus() (busio.Bus, uint16, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	b, err := openBusFn(cfg.BusIO())
	if err != nil {
		return nil, 0, err
	}
	return b, cfg.Address, nil
}
