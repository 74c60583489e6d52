// Command zerotap inspects signing certificates and runs the zero-tap
// handshake against simulated providers.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/jhahn/go-zerotap/pkg/config"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	opts   options
	parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
)

type options struct {
	Config  string `short:"c" long:"config" description:"Path to a config file (yaml, json or toml)"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable debug logging"`
}

const (
	shortHelp = "Zero-tap OTP handshake tool"
	longHelp  = `
zerotap computes the app signature fingerprints providers use to route
codes, and runs the complete handshake against simulated providers.

Settings are read from --config and ZEROTAP_* environment variables.
`
)

func main() {
	if err := parseArgs(os.Args[1:]); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(Stdout, err)
			return
		}
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) error {
	opts = options{}
	parser.ShortDescription = shortHelp
	parser.LongDescription = longHelp

	_, err := parser.ParseArgs(args)
	return err
}

// loadConfig loads the settings named by --config and applies the log
// level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		lvl = slog.LevelDebug
	}
	level.Set(lvl)
	return cfg, nil
}
