package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/sydlexius/mediasweep/internal/filesystem"
	"github.com/sydlexius/mediasweep/internal/results"
	"github.com/sydlexius/mediasweep/internal/scan"
	"github.com/sydlexius/mediasweep/internal/settingsio"
)

func scanCommand() *cli.Command {
	typesFlag := &cli.StringSliceFlag{
		Name:    "type",
		Aliases: []string{"t"},
		Usage:   "Scan type to run: unused, duplicate or oversized (repeatable)",
	}
	return &cli.Command{
		Name:  "scan",
		Usage: "Control media scans",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Queue a scan for a running server to process",
				Flags: []cli.Flag{typesFlag},
				Action: withApp(func(c *cli.Context, a *app) error {
					p, err := a.scan.Start(c.Context, c.StringSlice("type"))
					if err != nil {
						return err
					}
					return printJSON(p)
				}),
			},
			{
				Name:  "run",
				Usage: "Run a scan to completion in this process",
				Flags: []cli.Flag{typesFlag},
				Action: withApp(func(c *cli.Context, a *app) error {
					ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					go a.bus.Start()
					defer a.bus.Stop()
					p, err := a.scan.RunToCompletion(ctx, c.StringSlice("type"))
					a.dispatcher.Wait()
					if err != nil {
						return err
					}
					if err := printJSON(p); err != nil {
						return err
					}
					if p.Status == scan.StatusFailed {
						return cli.Exit("scan failed: "+p.Error, 1)
					}
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "Show scan progress",
				Action: withApp(func(c *cli.Context, a *app) error {
					p, err := a.scan.Status(c.Context)
					if err != nil {
						return err
					}
					return printJSON(p)
				}),
			},
			{
				Name:  "cancel",
				Usage: "Cancel the running scan",
				Action: withApp(func(c *cli.Context, a *app) error {
					p, err := a.scan.Cancel(c.Context)
					if err != nil {
						return err
					}
					return printJSON(p)
				}),
			},
			{
				Name:  "reset",
				Usage: "Cancel any scan and delete all findings",
				Action: withApp(func(c *cli.Context, a *app) error {
					p, err := a.scan.Reset(c.Context)
					if err != nil {
						return err
					}
					return printJSON(p)
				}),
			},
		},
	}
}

var statsAction = withApp(func(c *cli.Context, a *app) error {
	stats, err := a.scan.Stats(c.Context)
	if err != nil {
		return err
	}
	return printJSON(stats)
})

func resultsCommand() *cli.Command {
	return &cli.Command{
		Name:  "results",
		Usage: "List findings from the last scan",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: results.TypeUnused, Usage: "unused, duplicate, oversized, flagged or trash"},
			&cli.IntFlag{Name: "page", Value: 1},
			&cli.IntFlag{Name: "per-page", Value: results.DefaultPerPage},
			&cli.StringFlag{Name: "orderby", Usage: "file_size, upload_date or title"},
			&cli.StringFlag{Name: "order", Usage: "asc or desc"},
			outputFlag,
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			page, err := a.scan.Results(c.Context, results.Query{
				Type:    c.String("type"),
				Page:    c.Int("page"),
				PerPage: c.Int("per-page"),
				OrderBy: c.String("orderby"),
				Order:   c.String("order"),
			})
			if err != nil {
				return err
			}
			return writeOutput(c, page)
		}),
	}
}

var referencesAction = withApp(func(c *cli.Context, a *app) error {
	id, err := idArg(c)
	if err != nil {
		return err
	}
	refs, err := a.index.References(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(refs)
})

func hashCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash",
		Usage:     "Show, recompute or clear an attachment's content hash",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Recompute even when a current hash is stored"},
			&cli.BoolFlag{Name: "clear", Usage: "Drop the stored hash"},
		},
		Action: withApp(func(c *cli.Context, a *app) error {
			id, err := idArg(c)
			if err != nil {
				return err
			}
			if c.Bool("clear") {
				if err := a.hashes.Clear(c.Context, id); err != nil {
					return err
				}
				return printJSON(map[string]any{"attachment_id": id, "cleared": true})
			}
			digest, err := a.hashes.Get(c.Context, id, c.Bool("force"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"attachment_id": id,
				"algorithm":     a.hashes.Algorithm(c.Context),
				"hash":          digest,
			})
		}),
	}
}

func maintenanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "maintenance",
		Usage: "Database maintenance",
		Subcommands: []*cli.Command{
			{
				Name:  "optimize",
				Usage: "Run PRAGMA optimize",
				Action: withApp(func(c *cli.Context, a *app) error {
					if err := a.maintenance.Optimize(c.Context); err != nil {
						return err
					}
					return printJSON(map[string]string{"status": "optimized"})
				}),
			},
			{
				Name:  "vacuum",
				Usage: "Rebuild the database file",
				Action: withApp(func(c *cli.Context, a *app) error {
					if err := a.maintenance.Vacuum(c.Context); err != nil {
						return err
					}
					return printJSON(map[string]string{"status": "vacuumed"})
				}),
			},
			{
				Name:  "backup",
				Usage: "Snapshot the database and prune old snapshots",
				Action: withApp(func(c *cli.Context, a *app) error {
					info, err := a.backup.Backup(c.Context)
					if err != nil {
						return err
					}
					if _, err := a.backup.Prune(); err != nil {
						return err
					}
					return printJSON(info)
				}),
			},
			{
				Name:  "prune",
				Usage: "Delete rows that point at missing attachments and old jobs",
				Action: withApp(func(c *cli.Context, a *app) error {
					removed, err := a.maintenance.Prune(c.Context)
					if err != nil {
						return err
					}
					return printJSON(removed)
				}),
			},
		},
	}
}

func settingsCommand() *cli.Command {
	passphrase := &cli.StringFlag{
		Name:     "passphrase",
		Usage:    "Passphrase the export is sealed with",
		EnvVars:  []string{"MS_EXPORT_PASSPHRASE"},
		Required: true,
	}
	return &cli.Command{
		Name:  "settings",
		Usage: "Move settings and webhooks between instances",
		Subcommands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Write an encrypted settings export",
				Flags: []cli.Flag{passphrase, outputFlag},
				Action: withApp(func(c *cli.Context, a *app) error {
					env, err := a.settingsIO.Export(c.Context, c.String("passphrase"))
					if err != nil {
						return err
					}
					return writeOutput(c, env)
				}),
			},
			{
				Name:      "import",
				Usage:     "Apply an encrypted settings export",
				ArgsUsage: "<file>",
				Flags:     []cli.Flag{passphrase},
				Action: withApp(func(c *cli.Context, a *app) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("export file is required")
					}
					data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
					if err != nil {
						return fmt.Errorf("reading export: %w", err)
					}
					var env settingsio.Envelope
					if err := json.Unmarshal(data, &env); err != nil {
						return fmt.Errorf("parsing export: %w", err)
					}
					res, err := a.settingsIO.Import(c.Context, &env, c.String("passphrase"))
					if err != nil {
						return err
					}
					return printJSON(res)
				}),
			},
		},
	}
}

var outputFlag = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Usage:   "Write JSON to this file instead of stdout",
}

// writeOutput prints v, or writes it atomically to the --output file.
func writeOutput(c *cli.Context, v any) error {
	path := c.String("output")
	if path == "" {
		return printJSON(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return filesystem.WriteFileAtomic(path, append(data, '\n'), 0o600)
}

func idArg(c *cli.Context) (int64, error) {
	raw := c.Args().First()
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid attachment id %q", raw)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
