package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/example/taxigrid/internal/config"
	"github.com/example/taxigrid/internal/logging"
	"github.com/example/taxigrid/internal/orchestrator"
	"github.com/example/taxigrid/internal/rideapi"
	"github.com/example/taxigrid/internal/session"
)

const usage = `usage: taxigrid <command> [flags]

commands:
  login      obtain a bearer token and store it
  driver     go online and handle ride proposals
  passenger  order a ride and follow it until it ends
  landmarks  list named places
`

type app struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	out    io.Writer
	in     io.Reader
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	a := &app{cfg: cfg, logger: logging.NewConsoleLogger(cfg.LogLevel), out: os.Stdout, in: os.Stdin}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "login":
		err = a.login(ctx, args)
	case "driver":
		err = a.driver(ctx, args)
	case "passenger":
		err = a.passenger(ctx, args)
	case "landmarks":
		a.landmarks()
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		a.logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	email := fs.StringP("email", "e", "", "account email")
	password := fs.StringP("password", "p", os.Getenv("TAXIGRID_PASSWORD"), "account password")
	register := fs.Bool("register", false, "create the account first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("--email and --password are required")
	}

	c := a.client(nil)
	var (
		token string
		err   error
	)
	if *register {
		token, err = c.Register(ctx, *email, *password)
	} else {
		token, err = c.Login(ctx, *email, *password)
	}
	if err != nil {
		return err
	}

	sess := session.New(session.Credentials{Token: token})
	if err := os.MkdirAll(filepath.Dir(a.cfg.CredentialFile), 0o700); err != nil {
		return err
	}
	store := session.FileStore{Path: a.cfg.CredentialFile}
	if err := store.Save(session.Credentials{Token: token, UserID: sess.UserID()}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Fprintf(a.out, "logged in as user %s, credentials saved to %s\n", sess.UserID(), a.cfg.CredentialFile)
	return nil
}

// openSession prefers TAXIGRID_TOKEN over the saved credential file.
func (a *app) openSession() (*session.Context, error) {
	var store session.Store = session.FileStore{Path: a.cfg.CredentialFile}
	if os.Getenv("TAXIGRID_TOKEN") != "" {
		store = session.EnvStore{}
	}
	sess, err := session.Open(store)
	if err != nil {
		return nil, err
	}
	if err := sess.Activatable(); err != nil {
		return nil, fmt.Errorf("%w: run `taxigrid login` first", err)
	}
	return sess, nil
}

func (a *app) orchestrator(sess *session.Context, cfg orchestrator.Config) *orchestrator.Orchestrator {
	cfg.WSBaseURL = a.cfg.WSBaseURL
	cfg.PollInterval = a.cfg.PollInterval
	cfg.HeartbeatInterval = a.cfg.HeartbeatInterval
	return orchestrator.New(a.client(sess), sess, cfg, a.logger)
}

func (a *app) client(tokens rideapi.TokenSource) *rideapi.Client {
	return rideapi.NewClient(a.cfg.APIBaseURL, tokens, a.cfg.RequestTimeout)
}
