package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// ExitError carries the process exit code for a failed invocation.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Config is the parsed command line.
type Config struct {
	PlanPath    string
	Mode        string
	Ranks       int
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Report      bool
}

const (
	modeLocal = "local"
	modeEnv   = "env"
)

// parseArgs returns the config, whether to exit cleanly, or an ExitError.
func parseArgs(args []string, output io.Writer) (*Config, bool, error) {
	fs := flag.NewFlagSet("commbench", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, `
commbench - benchmark communication plans across IPC, MPI and GPU backends.

Usage:
  commbench [options] PLAN_FILE

In local mode every rank of the plan runs as a goroutine of this process.
In env mode this process is one rank; COMMBENCH_RANK, COMMBENCH_SIZE,
COMMBENCH_GROUP and COMMBENCH_PEERS describe the group.

Options:
`)
		fs.PrintDefaults()
	}

	planFlag := fs.String("plan", "", "Path to the HCL plan file.")
	modeFlag := fs.String("mode", modeLocal, "Group bootstrap: 'local' or 'env'.")
	ranksFlag := fs.Int("ranks", 0, "Override the plan's rank count in local mode.")
	logLevelFlag := fs.String("log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	logFormatFlag := fs.String("log-format", "console", "Log output format: 'console' or 'json'.")
	metricsFlag := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. ':9464'. Empty disables.")
	reportFlag := fs.Bool("report", true, "Print each communicator's plan before measuring it.")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *planFlag
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		fs.Usage()
		return nil, true, nil
	}

	mode := strings.ToLower(*modeFlag)
	if mode != modeLocal && mode != modeEnv {
		return nil, false, &ExitError{Code: 2, Message: "invalid mode: must be 'local' or 'env'"}
	}
	if *ranksFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid ranks: must not be negative"}
	}
	format := strings.ToLower(*logFormatFlag)
	if format != "console" && format != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'console' or 'json'"}
	}
	level := strings.ToLower(*logLevelFlag)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	return &Config{
		PlanPath:    path,
		Mode:        mode,
		Ranks:       *ranksFlag,
		LogLevel:    level,
		LogFormat:   format,
		MetricsAddr: *metricsFlag,
		Report:      *reportFlag,
	}, false, nil
}
