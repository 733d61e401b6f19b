package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"dmb/internal/status"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to configuration yaml file (built-in defaults when empty)",
	Sources: cli.EnvVars("DMB_CONFIG"),
}

var debugFlag = &cli.BoolFlag{
	Name:  "debug",
	Usage: "also write diagnostic logs to stderr",
}

func main() {
	cmd := &cli.Command{
		Name:    "dmb",
		Usage:   "Incremental backup of a directory tree onto a dedicated disk",
		Version: "0.1.0",
		Flags: []cli.Flag{
			configFlag,
			debugFlag,
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "print every directory creation and file copy",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "decide and report everything but mount, copy and commit nothing (implies --verbose)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runBackup(ctx, cmd.String("config"), cmd.Bool("verbose"), cmd.Bool("dry-run"), cmd.Bool("debug"))
		},
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Verify configuration, source, mount point, device and S3 access without changing anything",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(ctx, cmd.String("config"), cmd.Bool("debug"))
				},
			},
			{
				Name:  "status",
				Usage: "Show the last successful run, pending retries and the last run report",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "Run report source: local or s3",
						Value: status.SourceLocal,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print JSON instead of text",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStatus(ctx, cmd.String("config"), cmd.String("source"), cmd.Bool("json"), cmd.Bool("debug"))
				},
			},
		},
		// exit codes are decided below, not by the cli package
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		code, msg := exitStatus(ctx, err)
		if msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		stop()
		os.Exit(code)
	}
}
