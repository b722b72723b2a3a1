package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "ledgerctl",
		Usage:   "Operator CLI for the ledgerd transaction ledger",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:5001",
				Usage:   "ledgerd base URL",
				EnvVars: []string{"LEDGERD_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to JSON output (implies --json)",
			},
		},
		Commands: []*cli.Command{
			classifyCommand(),
			ledgerCommand(),
			historyCommand(),
			trackCommand(),
			cancelCommand(),
		},
	}
}
