// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// aicore-proxy is an OpenAI-API-compatible reverse proxy fronting an
// enterprise AI platform's heterogeneous model deployments.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/aicore-proxy/aicore-proxy/internal/version"
)

type (
	// cmd corresponds to the top-level `aicore-proxy` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the proxy for the configured models."`
		// Healthcheck is the sub-command to check if the proxy is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to `aicore-proxy run`.
	cmdRun struct {
		Debug bool `help:"Enable debug logging emitted to stderr."`
	}
	// cmdHealthcheck corresponds to `aicore-proxy healthcheck`.
	cmdHealthcheck struct {
		Port int `help:"Port the proxy listens on." default:"8080"`
	}
)

func main() {
	doMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, run)
}

// doMain is the testable main: parse the arguments and dispatch.
func doMain(ctx context.Context, args []string, stdout, stderr io.Writer, runFn func(context.Context, cmdRun, io.Writer) error) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("aicore-proxy"),
		kong.Description("OpenAI-compatible proxy for enterprise AI platform deployments."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		panic(err)
	}
	parsed, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch parsed.Command() {
	case "version":
		fmt.Fprintf(stdout, "aicore-proxy version: %s\n", version.Parse())
	case "run":
		if err := runFn(ctx, c.Run, stderr); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "healthcheck":
		if err := healthcheck(ctx, c.Healthcheck.Port, stdout); err != nil {
			fmt.Fprintf(stderr, "unhealthy: %v\n", err)
			os.Exit(1)
		}
	}
}
