package main

import (
	"context"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/treelike/internal/api"
)

func evalCmd() *cli.Command {
	var (
		requestPath string
		sites       bool
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate one likelihood request from a JSON file",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:        "request",
				Aliases:     []string{"f"},
				Usage:       "path to request JSON ('-' for stdin)",
				Value:       "-",
				Destination: &requestPath,
			},
			&cli.BoolFlag{
				Name:        "sites",
				Usage:       "include per-pattern log likelihoods in the output",
				Destination: &sites,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := buildLogger()

			var data []byte
			var err error
			if requestPath == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(requestPath)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read request: %v", err), 1)
			}

			var req api.LikelihoodRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return cli.Exit(fmt.Sprintf("error: decode request: %v", err), 1)
			}
			if sites {
				req.Sites = true
			}

			evaluator := api.NewEvaluator(int(threads), log)
			res, err := evaluator.Evaluate(ctx, &req)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: evaluate: %v", err), 1)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
