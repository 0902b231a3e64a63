package main

import (
	"context"
	"os"

	"require-gpu/internal/cli"
	"require-gpu/internal/config"
)

func main() {
	code := cli.Run(context.Background(), config.ModeRequire, os.Args[1:], cli.DefaultDeps())
	os.Exit(code)
}
