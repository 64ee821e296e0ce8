package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/aschepis/backscratcher/chatcore/app"
	"github.com/aschepis/backscratcher/chatcore/config"
	chatlogger "github.com/aschepis/backscratcher/chatcore/logger"
	"github.com/rs/zerolog"
)

const usageText = `Usage: chatcore [flags] <command> [args]

Commands:
  usage stats     Print aggregated usage
  usage export    Write usage records as CSV
  usage clear     Delete usage records before a cutoff
  models <id>     List the models a credential can use
  verify <id>     Check that a credential's API key is accepted

Flags:
`

var (
	errUsage      = errors.New("invalid usage")
	errInvalidKey = errors.New("api key was rejected")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("chatcore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", config.DefaultPath(), "Path to config file")
		logFile    = fs.String("logfile", "", "Path to log file. If not set, warnings go to stderr")
		dbPath     = fs.String("db", "", "Path to SQLite database file (overrides database.path)")
	)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	var logger zerolog.Logger
	if *logFile != "" {
		if logger, err = chatlogger.InitWithOptions(*logFile, false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	} else {
		logger = chatlogger.New(stderr, zerolog.WarnLevel)
	}

	core, err := app.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close() //nolint:errcheck // No remedy for close errors on exit

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "usage":
		return runUsage(ctx, core, rest, stdout, stderr)
	case "models":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "Usage: chatcore models <credential-id>")
			return errUsage
		}
		return runModels(ctx, core, rest[0], stdout)
	case "verify":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "Usage: chatcore verify <credential-id>")
			return errUsage
		}
		return runVerify(ctx, core, rest[0], stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n\n", cmd)
		fs.Usage()
		return errUsage
	}
}

func runModels(ctx context.Context, core *app.App, credentialID string, stdout io.Writer) error {
	models, err := core.Chat.ListRemoteModels(ctx, credentialID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOWNER")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.DisplayName, m.OwnedBy)
	}
	return tw.Flush()
}

func runVerify(ctx context.Context, core *app.App, credentialID string, stdout io.Writer) error {
	cred, err := core.Catalog.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	res, err := core.Chat.VerifyProviderAPIKey(ctx, *cred)
	if err != nil {
		return err
	}
	if res.Valid {
		fmt.Fprintf(stdout, "%s: valid\n", credentialID)
		return nil
	}
	if res.Status != 0 {
		fmt.Fprintf(stdout, "%s: invalid (HTTP %d): %s\n", credentialID, res.Status, res.Error)
	} else {
		fmt.Fprintf(stdout, "%s: invalid: %s\n", credentialID, res.Error)
	}
	return errInvalidKey
}
