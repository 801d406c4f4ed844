// Command chatctl is the operator tool for a radiochat server.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"radiochat/internal/config"

	"github.com/spf13/pflag"
)

// command is one node of the chatctl command tree.
type command struct {
	Name    string
	Summary string
	Usage   string
	// Flags registers the command's flags. Nil means no flags.
	Flags func(fs *pflag.FlagSet)
	Run   func(args []string) error

	Subcommands []*command
}

var errUsage = errors.New("usage error")

// execute dispatches args down the command tree.
func (c *command) execute(args []string, stderr io.Writer) error {
	if len(c.Subcommands) > 0 {
		if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
			c.printHelp(stderr)
			if len(args) == 0 {
				return errUsage
			}
			return nil
		}
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				return sub.execute(args[1:], stderr)
			}
		}
		c.printHelp(stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	fs := pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	if c.Flags != nil {
		c.Flags(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s\n\n%s\n\n", c.Usage, c.Summary)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return c.Run(fs.Args())
}

func (c *command) printHelp(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s\n\n%s\n\nCommands:\n", c.Usage, c.Summary)
	for _, sub := range c.Subcommands {
		fmt.Fprintf(w, "  %-10s %s\n", sub.Name, sub.Summary)
	}
}

// globals are settings shared by every command, read from the environment.
type globals struct {
	Server  string
	Token   string
	DBPath  string
	Backend string
}

func loadGlobals(getenv func(string) string) globals {
	g := globals{
		Server:  getenv("CHATCTL_SERVER"),
		Token:   getenv("CHATCTL_TOKEN"),
		DBPath:  getenv("RADIOCHAT_DB_PATH"),
		Backend: getenv("STORE_BACKEND"),
	}
	if g.Backend == "" {
		g.Backend = config.BackendBolt
	}
	if g.Server == "" {
		g.Server = "http://localhost:8080"
	}
	g.Server = strings.TrimRight(g.Server, "/")
	return g
}

func main() {
	g := loadGlobals(os.Getenv)
	root := rootCommand(&g, os.Stdout)

	if err := root.execute(os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, errUsage) || err.Error() != errUsage.Error() {
			fmt.Fprintln(os.Stderr, "chatctl:", err)
		}
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
