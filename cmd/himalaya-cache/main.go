package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"aaronromeo.com/himalayacache/internal/agent"
	"aaronromeo.com/himalayacache/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Main(ctx, os.Args[1:], agent.Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
	stop()
	os.Exit(code)
}
