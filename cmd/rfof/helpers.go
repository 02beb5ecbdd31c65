package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rfof/pkg/board"
)

func parseFloatArg(args []string, valueName string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}

	return value, nil
}

func parseBoardArg(args []string) (board.Kind, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("missing board (ftx or frx)")
	}
	k := board.Kind(args[0])
	if !k.Valid() {
		return "", fmt.Errorf("unknown board %q, want ftx or frx", args[0])
	}
	return k, nil
}

// optionalFloat returns nil unless the flag was set.
func optionalFloat(cmd *cobra.Command, name string, v float64) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func printJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func printResponse(cmd *cobra.Command, ret string, err error) error {
	if err != nil {
		return err
	}
	if ret != "" {
		cmd.Println(ret)
	}
	return nil
}
