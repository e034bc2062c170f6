package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/surfid/surfid/internal/config"
	"github.com/surfid/surfid/internal/control/client"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("surfctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	socket := fs.String("socket", "", "path to surfid control socket")
	timeout := fs.Duration("timeout", 3*time.Second, "control request timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <command> [args]\n", fs.Name())
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Commands:")
		fmt.Fprintln(fs.Output(), "  status\t\t\tshow counters, allocator, and registry state")
		fmt.Fprintln(fs.Output(), "  rules\t\t\tlist configured rules and bindings")
		fmt.Fprintln(fs.Output(), "  reload\t\t\ttrigger a live rule reload")
		fmt.Fprintln(fs.Output(), "  check --config <path>\tvalidate a configuration file")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return fmt.Errorf("missing subcommand")
	}

	if args[0] == "check" {
		return runCheck(args[1:], os.Stdout)
	}

	cli, err := client.New(*socket)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	switch args[0] {
	case "status":
		return runStatus(ctx, cli, os.Stdout)
	case "rules":
		return runRules(ctx, cli, os.Stdout)
	case "reload":
		return runReload(ctx, cli, os.Stdout)
	default:
		fs.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runCheck(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *configPath == "" {
		fs.Usage()
		return fmt.Errorf("check requires --config <path>")
	}
	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Configuration OK")
	return nil
}

func runStatus(ctx context.Context, cli *client.Client, stdout io.Writer) error {
	status, err := cli.Status(ctx)
	if err != nil {
		return err
	}
	m := status.Metrics
	fmt.Fprintf(stdout, "Assigned: %d by rule, %d from default range\n", m.RuleAssigned, m.DefaultAssigned)
	fmt.Fprintf(stdout, "Removals: %d\n", m.Removals)
	if len(m.Failures) > 0 {
		fmt.Fprintln(stdout, "Failures:")
		for reason, n := range m.Failures {
			fmt.Fprintf(stdout, "  %s: %d\n", reason, n)
		}
	}
	if status.Allocator.Enabled {
		fmt.Fprintf(stdout, "Default range: next %d of [%d, %d)\n",
			status.Allocator.Next, status.Allocator.Start, status.Allocator.Max)
	} else {
		fmt.Fprintln(stdout, "Default range: disabled")
	}
	switch {
	case !status.Registry.Configured:
		fmt.Fprintln(stdout, "Registry: disabled")
	case status.Registry.Connected:
		fmt.Fprintf(stdout, "Registry: connected to %s (%d failures)\n",
			status.Registry.Addr, status.Registry.Failures)
	default:
		fmt.Fprintf(stdout, "Registry: %s unreachable, mirroring off\n", status.Registry.Addr)
	}
	return nil
}

func runRules(ctx context.Context, cli *client.Client, stdout io.Writer) error {
	result, err := cli.Rules(ctx)
	if err != nil {
		return err
	}
	if len(result.Rules) == 0 {
		fmt.Fprintln(stdout, "No rules configured")
		return nil
	}
	for _, rule := range result.Rules {
		fmt.Fprintf(stdout, "id %d", rule.SurfaceID)
		if rule.AppID != "" {
			fmt.Fprintf(stdout, "  appId=%q", rule.AppID)
		}
		if rule.Title != "" {
			fmt.Fprintf(stdout, "  title=%q", rule.Title)
		}
		if rule.Bound != "" {
			fmt.Fprintf(stdout, "  bound to %s", rule.Bound)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

func runReload(ctx context.Context, cli *client.Client, stdout io.Writer) error {
	if err := cli.Reload(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Reload requested")
	return nil
}
