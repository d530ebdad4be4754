package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/tunnelguard/internal/config"
)

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

// command bundles the flag set and shared settings every subcommand uses.
type command struct {
	stdio
	fs     *pflag.FlagSet
	common config.Common
	format string
}

// newCommand loads the shared settings from the environment and registers
// their flag overrides plus --format on a fresh flag set.
func newCommand(s stdio, name string) (*command, error) {
	c, err := config.LoadCommon()
	if err != nil {
		return nil, err
	}
	cmd := &command{stdio: s, common: c, format: string(formatText)}
	cmd.fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
	cmd.fs.SetOutput(s.err)
	config.AddCommonFlags(cmd.fs, &cmd.common)
	cmd.fs.StringVar(&cmd.format, "format", cmd.format, "output format: text, json or yaml")
	return cmd, nil
}

// parse parses args and validates the shared settings. A help request
// yields errHelp so callers exit 0.
func (c *command) parse(args []string) error {
	if err := c.fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return err
	}
	if err := config.ValidateCommon(&c.common); err != nil {
		return err
	}
	switch outputFormat(strings.ToLower(c.format)) {
	case formatText, formatJSON, formatYAML:
		c.format = strings.ToLower(c.format)
	default:
		return fmt.Errorf("unsupported --format %q (text, json or yaml)", c.format)
	}
	return nil
}

var errHelp = errors.New("help requested")

// exit maps a parse or run error to an exit code.
func (c *command) exit(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errHelp):
		return 0
	}
	c.errorf("%s: %v", c.fs.Name(), err)
	return 1
}

// usageError reports bad arguments with exit code 2.
func (c *command) usageError(format string, args ...any) int {
	c.errorf("%s: %s", c.fs.Name(), fmt.Sprintf(format, args...))
	return 2
}

// emit writes v as JSON or YAML, or calls text for the text format.
func (c *command) emit(v any, text func(w io.Writer)) error {
	switch outputFormat(c.format) {
	case formatJSON:
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(c.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
