package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/askdb/askdb/internal/cli/askdb"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := askdb.Execute(ctx, os.Args[1:], askdb.Options{
		Version: version,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	stop()
	os.Exit(code)
}
