package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/sydlexius/mediasweep/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "mediasweep",
		Usage:   "Find unused, duplicate and oversized media in a content library",
		Version: version.Version + " (" + version.Commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path",
				EnvVars: []string{"MS_CONFIG_PATH"},
				Value:   "/data/config.yaml",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			scanCommand(),
			{
				Name:   "stats",
				Usage:  "Print media library statistics",
				Action: statsAction,
			},
			resultsCommand(),
			{
				Name:      "references",
				Usage:     "List where an attachment is referenced",
				ArgsUsage: "<id>",
				Action:    referencesAction,
			},
			hashCommand(),
			maintenanceCommand(),
			settingsCommand(),
		},
	}
}
