// Package main provides the chainvalidator command line tool.
//
// Usage:
//
//	chainvalidator validate [--network regtest] [--hex] [--memory] <file>...
//	chainvalidator tip
//	chainvalidator invalidate <hash>
//
// The validate command feeds the blocks found in the given files to the block validation
// engine and prints the resulting tip. Files are either block files as written by a node
// (network magic and length in front of every block) or, with --hex, one hex encoded block
// per line.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chainvalidator: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "chainvalidator",
		Usage: "Validate blocks and maintain the active chain",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "network",
				Usage: "network to validate: mainnet, testnet or regtest (default from settings)",
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "keep every store in memory instead of the configured data folder",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "log level: DEBUG, INFO, WARN or ERROR",
				Value: "INFO",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate the blocks read from files and print the new tip",
				ArgsUsage: "<file>...",
				Action:    validate,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "hex",
						Usage: "files contain one hex encoded block per line",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "number of blocks validated in parallel (default from settings)",
					},
				},
			},
			{
				Name:   "tip",
				Usage:  "Print the tip and the best header of the stored chain",
				Action: tip,
			},
			{
				Name:      "invalidate",
				Usage:     "Mark a block and its descendants invalid and rewind the chain",
				ArgsUsage: "<hash>",
				Action:    invalidate,
			},
		},
	}
}
