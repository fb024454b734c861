package main

import (
	"context"
	"fmt"
	"os"

	"github.com/iudanet/fieldsync/internal/client/cli"
	"github.com/iudanet/fieldsync/internal/client/iocli"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd := cli.NewRootCommand(iocli.NewStdio(), cli.BuildInfo{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
	})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
