package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/treelike/internal/logger"
)

var (
	threads   int64
	logLevel  string
	logFormat string
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"j"},
			Usage:       "worker threads per instance (0 = serial)",
			Value:       0,
			Destination: &threads,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func buildLogger() logger.Logger {
	return logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(logLevel))
}
