package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hkdb/larch/internal/catalog"
	"github.com/hkdb/larch/internal/config"
	"github.com/hkdb/larch/internal/logging"
	"github.com/hkdb/larch/internal/pool"
	"github.com/hkdb/larch/internal/session"
	"github.com/hkdb/larch/internal/sync"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

const appVersion = "1.0.0"

func defaultPath(file string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return file
	}
	return filepath.Join(home, ".larch", file)
}

func main() {
	app := &cli.App{
		Name:      "larch",
		Usage:     "copy messages from one IMAP server to another",
		Version:   appVersion,
		ArgsUsage: "[section]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "configuration file",
				Value: defaultPath("config.yaml"),
			},
			&cli.StringFlag{
				Name:  "database",
				Usage: "message catalog database",
				Value: defaultPath("larch.db"),
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"n"},
				Usage:   "don't actually make any changes",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "output verbosity: fatal, error, warn, info, debug, or imap",
			},
		},
		HideHelpCommand: true,
		Action:          run,
	}
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Aliases: []string{"V"}}

	// Flag and usage errors exit 2; everything fatal inside run exits 1.
	app.OnUsageError = func(c *cli.Context, err error, isSubcommand bool) error {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.Exit("", 2)
	}

	if err := app.Run(os.Args); err != nil {
		code := 1
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	if c.Args().Len() > 1 {
		fmt.Fprintln(os.Stderr, "Error: at most one section may be named")
		return cli.Exit("", 2)
	}
	section := c.Args().First()
	if section == "" {
		section = "default"
	}

	overrides := &config.Section{}
	if c.Bool("dry-run") {
		t := true
		overrides.DryRun = &t
	}
	if v := c.String("verbosity"); v != "" {
		overrides.Verbosity = &v
	}

	file, err := config.Load(c.String("config"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.Exit("", 1)
	}
	cfg, err := file.Resolve(section, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.Exit("", 1)
	}

	if err := logging.Setup(os.Stderr, cfg.Verbosity); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.Exit("", 1)
	}
	log := logging.WithComponent("larch")

	db, err := catalog.Open(c.String("database"))
	if err != nil {
		log.Error().Err(err).Msg("Cannot open catalog")
		return cli.Exit("", 1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Error().Err(err).Msg("Cannot migrate catalog")
		return cli.Exit("", 1)
	}

	sessOpts := session.Options{
		TLSVerify:     cfg.SSLVerify,
		CABundle:      cfg.SSLCerts,
		MaxRetries:    cfg.MaxRetries,
		DryRun:        cfg.DryRun,
		CreateMailbox: cfg.CreateFolder,
	}
	p := pool.New(pool.DefaultConfig(), sessOpts)
	defer p.Disconnect()

	// Abort cleanly on INT, QUIT, and TERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Warn().Msgf("Interrupted (SIG%s)", sigName(sig))
		cancel()
	}()

	copier := sync.NewCopier(cfg, db, p)
	runErr := copier.Run(ctx)

	if results := copier.Results(); len(results) > 0 {
		printSummary(results, copier.Counters())
	}

	if runErr != nil {
		if !errors.Is(runErr, context.Canceled) {
			log.Error().Err(runErr).Msg("Copy failed")
		}
		return cli.Exit("", 1)
	}

	if err := db.Maintain(ctx); err != nil {
		log.Warn().Err(err).Msg("Catalog maintenance failed")
	}

	if copier.Counters().Failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func sigName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "INT"
	case syscall.SIGQUIT:
		return "QUIT"
	case syscall.SIGTERM:
		return "TERM"
	default:
		return sig.String()
	}
}

// printSummary renders the per-mailbox counter table.
func printSummary(results []sync.MailboxResult, totals sync.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Mailbox", "Copied", "Failed", "Untouched", "Total"})
	for _, r := range results {
		t.AppendRow(table.Row{r.Name, r.Copied, r.Failed, r.Untouched, r.Total})
	}
	t.AppendFooter(table.Row{"", totals.Copied, totals.Failed, totals.Untouched, totals.Total})
	t.SetStyle(table.StyleLight)
	t.Render()
}
