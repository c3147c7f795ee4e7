package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"emcfan/internal/fancontrol"
	"emcfan/internal/web"
)

func init() {
	rootCmd.AddCommand(rpmCmd)
}

var rpmCmd = &cobra.Command{
	Use:     "rpm [fan]",
	Short:   "Show the latest speed of every fan, or of one fan",
	Args:    cobra.MaximumNArgs(1),
	RunE:    rpm,
	Example: "  emcfanctl rpm\n  emcfanctl rpm cpu\n  emcfanctl rpm 3",
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func fetchStatus() (web.StatusResponse, error) {
	var st web.StatusResponse
	resp, err := httpClient.Get(strings.TrimRight(rootOpts.Server, "/") + "/api/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// matchFan accepts a channel name, an index or fanN.
func matchFan(ch fancontrol.ChannelStatus, arg string) bool {
	if strings.EqualFold(ch.Name, arg) {
		return true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(arg), "fan"))
	return err == nil && n == ch.Index
}

func rpm(cmd *cobra.Command, args []string) error {
	st, err := fetchStatus()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	found := false
	for _, ch := range st.Channels {
		if len(args) == 1 && !matchFan(ch, args[0]) {
			continue
		}
		found = true
		if ch.Mode != "sensor" {
			fmt.Fprintf(w, "fan%d %-12s output %s duty=%.1f%%\n", ch.Index, ch.Name, ch.OutputID, ch.Duty*100)
			continue
		}
		flag := ""
		if ch.Stalled {
			flag = " STALLED"
		}
		if ch.LastError != "" {
			flag += " error=" + ch.LastError
		}
		fmt.Fprintf(w, "fan%d %-12s %6.0f rpm%s\n", ch.Index, ch.Name, ch.RPM, flag)
	}
	if len(args) == 1 && !found {
		return fmt.Errorf("no fan %q", args[0])
	}
	return nil
}
