// Command diamondctl is the operator tool for a diamond registry: it deploys
// script modules, submits cuts, calls functions and manages ownership.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/cli"
	"github.com/R3E-Network/diamond/internal/client"
	"github.com/R3E-Network/diamond/internal/diamond"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			cli.NewPrinter(os.Stderr).Error("%v", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("diamondctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", envOr("DIAMOND_URL", "http://localhost:8080"), "registry base URL")
	wif := fs.String("wif", os.Getenv("DIAMOND_WIF"), "signing key in WIF, needed for owner-only commands")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg := client.Config{BaseURL: *baseURL, Timeout: *timeout}
	if *wif != "" {
		key, err := keys.NewPrivateKeyFromWIF(*wif)
		if err != nil {
			return fmt.Errorf("invalid -wif: %w", err)
		}
		cfg.Key = key
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return execute(ctx, client.New(cfg), fs.Arg(0), fs.Args()[1:], stdout)
}

func execute(ctx context.Context, c *client.Client, cmd string, args []string, stdout io.Writer) error {
	out := cli.NewPrinter(stdout)
	need := func(n int, form string) error {
		if len(args) < n {
			return fmt.Errorf("usage: diamondctl %s %s", cmd, form)
		}
		return nil
	}

	switch cmd {
	case "call":
		if err := need(1, "<function|0xselector> [payload]"); err != nil {
			return err
		}
		sel, err := parseFunction(args[0])
		if err != nil {
			return err
		}
		var payload []byte
		if len(args) > 1 {
			payload = []byte(args[1])
		}
		res, err := c.Call(ctx, sel, payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(res))

	case "cut", "remove":
		if err := need(1, "<module> [function...]"); err != nil {
			return err
		}
		module, err := diamond.ParseModuleID(args[0])
		if err != nil {
			return err
		}
		cut := diamond.FacetCut{Module: module, Selectors: []diamond.Selector{}}
		if cmd == "cut" {
			if err := need(2, "<module> <function...>"); err != nil {
				return err
			}
			for _, name := range args[1:] {
				sel, err := parseFunction(name)
				if err != nil {
					return err
				}
				cut.Selectors = append(cut.Selectors, sel)
			}
		}
		res, err := c.Cut(ctx, []diamond.FacetCut{cut}, nil)
		if err != nil {
			return err
		}
		out.Success("cut applied: %d selectors across %d facets", res.Selectors, res.Facets)

	case "deploy":
		if err := need(1, "<file.js> [name]"); err != nil {
			return err
		}
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		if len(args) > 1 {
			name = args[1]
		}
		info, err := c.Deploy(ctx, name, string(src))
		if err != nil {
			return err
		}
		out.Success("deployed %s as 0x%s", info.Name, info.ID.StringLE())
		for _, e := range info.Entries {
			fmt.Fprintf(stdout, "  %s  %s\n", e.Selector, e.Name)
		}

	case "modules":
		mods, err := c.Modules(ctx)
		if err != nil {
			return err
		}
		for _, m := range mods {
			fmt.Fprintf(stdout, "0x%s  %-7s %s (%d entries)\n", m.ID.StringLE(), m.Kind, m.Name, len(m.Entries))
		}

	case "facets":
		list, err := c.Facets(ctx)
		if err != nil {
			return err
		}
		for _, f := range list {
			sels := make([]string, 0, len(f.Selectors))
			for _, s := range f.Selectors {
				sels = append(sels, s.String())
			}
			fmt.Fprintf(stdout, "0x%s  %s\n", f.Module.StringLE(), strings.Join(sels, " "))
		}

	case "route":
		if err := need(1, "<function|0xselector>"); err != nil {
			return err
		}
		sel, err := parseFunction(args[0])
		if err != nil {
			return err
		}
		module, err := c.Route(ctx, sel)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s -> 0x%s\n", sel, module.StringLE())

	case "owner":
		info, err := c.Owner(ctx)
		if err != nil {
			return err
		}
		if info.Renounced {
			out.Warning("ownership has been renounced")
			return nil
		}
		fmt.Fprintln(stdout, info.Owner)

	case "transfer":
		if err := need(1, "<address>"); err != nil {
			return err
		}
		next, err := auth.ParseAccount(args[0])
		if err != nil {
			return err
		}
		info, err := c.TransferOwnership(ctx, next)
		if err != nil {
			return err
		}
		out.Success("ownership transferred to %s", info.Owner)

	case "renounce":
		if _, err := c.RenounceOwnership(ctx); err != nil {
			return err
		}
		out.Warning("ownership renounced, no further cuts are possible")

	case "events":
		limit := 20
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("limit: %w", err)
			}
			limit = n
		}
		list, err := c.Events(ctx, limit)
		if err != nil {
			return err
		}
		for _, e := range list {
			line := fmt.Sprintf("%s  %-24s %s", e.Timestamp.Format(time.RFC3339), e.Type, e.Message)
			if e.Module != "" {
				line += "  module=" + e.Module
			}
			if e.Error != "" {
				line += "  error=" + e.Error
			}
			fmt.Fprintln(stdout, line)
		}

	case "selector":
		if err := need(1, "<name...>"); err != nil {
			return err
		}
		for _, name := range args {
			fmt.Fprintf(stdout, "%s  %s\n", diamond.SelectorOf(name), name)
		}

	case "completion":
		if err := need(1, "<bash|zsh|fish> [-install]"); err != nil {
			return err
		}
		if len(args) > 1 && args[1] == "-install" {
			path, err := cli.InstallCompletion(args[0])
			if err != nil {
				return err
			}
			out.Success("completion script installed to %s", path)
			return nil
		}
		return cli.WriteCompletion(stdout, args[0])

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// parseFunction accepts a 0x selector or a function name.
func parseFunction(s string) (diamond.Selector, error) {
	if strings.HasPrefix(s, "0x") {
		return diamond.ParseSelector(s)
	}
	return diamond.SelectorOf(s), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: diamondctl [flags] <command> [args]")
	fmt.Fprintln(w, "\nCommands:")
	for _, c := range cli.Commands {
		fmt.Fprintf(w, "  %-11s %s\n", c[0], c[1])
	}
	fmt.Fprintln(w, "\nFlags:")
	fs.PrintDefaults()
}
