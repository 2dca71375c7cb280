package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail"
	"github.com/themadorg/tossmail/internal/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "tossmail"
	app.Usage = "self-hosted disposable mail server"
	app.Description = `Tossmail accepts mail for any address under the configured domain over
SMTP (plain, STARTTLS and implicit TLS), stores parsed messages, and
exposes them over a REST API, WebSocket push, webhooks and a read-only
IMAP view. Messages can expire on a retention schedule and reads are
rate limited per mailbox.`
	app.Version = tossmail.Version
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "path to a .env file loaded before the environment",
			Value:   ".env",
			EnvVars: []string{"TOSSMAIL_ENV_FILE"},
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "verbose logging and SQL echo",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "start the server",
			Action: run,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	debug := c.Bool("debug")

	var log *zap.Logger
	var err error
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return err
	}

	srv, err := tossmail.New(cfg, log, debug)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
