package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// GlobalFlags holds global flag values
type GlobalFlags struct {
	LogLevel string
	Output   string
}

var globalFlags GlobalFlags

// AddGlobalFlags adds global flags to the root command
func AddGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(
		&globalFlags.LogLevel,
		"log-level",
		"",
		"log level: debug, info, warn, error (overrides LOG_LEVEL)",
	)
	cmd.PersistentFlags().StringVarP(
		&globalFlags.Output,
		"output",
		"o",
		"human",
		"output format: human or json",
	)
}

func validateGlobalFlags() error {
	switch globalFlags.Output {
	case "human", "json":
		return nil
	default:
		return fmt.Errorf("invalid output format: %s (valid: human, json)", globalFlags.Output)
	}
}

func parsePoolID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid pool id: %q", s)
	}
	return id, nil
}
