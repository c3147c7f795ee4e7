package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(setCmd)
}

var setCmd = &cobra.Command{
	Use:     "set <output> <duty>",
	Short:   "Set the duty of an output fan through emcfand",
	Args:    cobra.ExactArgs(2),
	RunE:    set,
	Example: "  emcfanctl set pump 0.6\n  emcfanctl set pump 60%",
}

// parseDutyArg accepts a fraction (0.6) or a percentage (60%).
func parseDutyArg(s string) (float64, error) {
	s = strings.TrimSpace(s)
	scale := 1.0
	if strings.HasSuffix(s, "%") {
		s = strings.TrimSuffix(s, "%")
		scale = 100
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse duty '%s'", s)
	}
	return v / scale, nil
}

func set(cmd *cobra.Command, args []string) error {
	duty, err := parseDutyArg(args[1])
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]float64{"duty": duty})
	u := strings.TrimRight(rootOpts.Server, "/") + "/api/outputs/" + url.PathEscape(args[0]) + "/duty"

	resp, err := httpClient.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("set %s: %s: %s", args[0], resp.Status, strings.TrimSpace(string(msg)))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s duty=%.1f%%\n", args[0], duty*100)
	return nil
}
