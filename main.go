package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"monios/api"
	"monios/auth"
	"monios/chat"
	"monios/config"
	"monios/devserver"
	"monios/logging"
)

// env is everything a command needs, built from config and flags.
type env struct {
	cfg     *config.Config
	client  *api.Client
	session *auth.Session
	ctrl    *chat.Controller
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("backend") {
		cfg.BaseURL = strings.TrimSuffix(c.String("backend"), "/")
	}
	if c.IsSet("guest") {
		cfg.GuestLabel = c.String("guest")
	}
	if c.IsSet("token-file") {
		cfg.TokenFile = c.String("token-file")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), c.App.ErrWriter)
	client := api.NewClient(cfg.BaseURL,
		api.WithTimeout(cfg.Timeout),
		api.WithLogger(logger.Component("api")),
	)
	session, err := auth.NewSession(client, auth.NewFileStore(cfg.TokenFile),
		auth.WithGuestLabel(cfg.GuestLabel),
		auth.WithSessionLogger(logger.Component("auth")),
	)
	if err != nil {
		return nil, err
	}
	client.SetCredentials(session)

	return &env{
		cfg:     cfg,
		client:  client,
		session: session,
		ctrl:    chat.NewController(client, session, chat.WithLogger(logger.Component("chat"))),
	}, nil
}

// withEnv adapts a command body that needs an env.
func withEnv(fn func(*cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		return fn(c, e)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "monios",
		Usage: "Chat with the monios assistant from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Config file (default ~/.config/monios/config.toml)",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Backend base URL",
			},
			&cli.StringFlag{
				Name:  "guest",
				Usage: "Label identifying you when not signed in",
			},
			&cli.StringFlag{
				Name:  "token-file",
				Usage: "Where the session tokens are kept",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, error or off",
			},
		},
		Action: withEnv(runChat),
		Commands: []*cli.Command{
			{
				Name:   "chat",
				Usage:  "Open the interactive chat (default)",
				Action: withEnv(runChat),
			},
			{
				Name:      "send",
				Usage:     "Send one message and print the reply",
				ArgsUsage: "TEXT",
				Action:    withEnv(runSend),
			},
			{
				Name:  "login",
				Usage: "Sign in with an identity provider token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "provider",
						Value: string(auth.ProviderGoogle),
						Usage: "google or apple",
					},
					&cli.StringFlag{
						Name:     "id-token",
						Usage:    "Identity token issued by the provider",
						Required: true,
					},
				},
				Action: withEnv(runLogin),
			},
			{
				Name:  "logout",
				Usage: "Sign out and forget stored tokens",
				Action: withEnv(func(c *cli.Context, e *env) error {
					if err := e.session.SignOut(); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "Signed out")
					return nil
				}),
			},
			{
				Name:  "refresh",
				Usage: "Exchange the refresh token for a new token pair",
				Action: withEnv(func(c *cli.Context, e *env) error {
					if err := e.session.Refresh(c.Context); err != nil {
						return fmt.Errorf("%s: %w", api.Describe(err), err)
					}
					fmt.Fprintln(c.App.Writer, "Tokens refreshed")
					return nil
				}),
			},
			{
				Name:   "whoami",
				Usage:  "Show who requests are sent as",
				Action: withEnv(runWhoami),
			},
			{
				Name:  "health",
				Usage: "Check that the backend is reachable",
				Action: withEnv(func(c *cli.Context, e *env) error {
					if err := e.client.Health(c.Context); err != nil {
						return fmt.Errorf("%s: %s", e.cfg.BaseURL, api.Describe(err))
					}
					fmt.Fprintf(c.App.Writer, "%s ok\n", e.cfg.BaseURL)
					return nil
				}),
			},
			{
				Name:  "clear",
				Usage: "Clear the conversation history on the backend",
				Action: withEnv(func(c *cli.Context, e *env) error {
					if err := e.ctrl.Clear(c.Context); err != nil {
						return fmt.Errorf("%s: %w", api.Describe(err), err)
					}
					fmt.Fprintln(c.App.Writer, "History cleared")
					return nil
				}),
			},
			{
				Name:  "config",
				Usage: "Print the effective configuration",
				Action: withEnv(func(c *cli.Context, e *env) error {
					return e.cfg.Write(c.App.Writer)
				}),
			},
			{
				Name:  "serve",
				Usage: "Run the development backend",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address",
					},
					&cli.StringFlag{
						Name:    "anthropic-key",
						Usage:   "Answer with Claude instead of echoing",
						EnvVars: []string{"ANTHROPIC_API_KEY"},
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Claude model for the responder",
					},
					&cli.DurationFlag{
						Name:  "frame-gap",
						Value: 20 * time.Millisecond,
						Usage: "Delay between streamed frames",
					},
				},
				Action: runServe,
			},
		},
	}
}

func runChat(c *cli.Context, e *env) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	m := newChatModel(ctx, e)
	defer m.close()

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func runSend(c *cli.Context, e *env) error {
	text := strings.Join(c.Args().Slice(), " ")

	printer := &replyPrinter{w: c.App.Writer}
	cancel := e.ctrl.Subscribe(printer.entry)
	defer cancel()

	_, err := e.ctrl.Send(c.Context, text)
	printer.finish()
	if errors.Is(err, chat.ErrEmptyMessage) {
		return cli.Exit("nothing to send", 2)
	}
	return err
}

func runLogin(c *cli.Context, e *env) error {
	provider, err := auth.ParseProvider(c.String("provider"))
	if err != nil {
		return err
	}
	user, err := e.session.SignIn(c.Context, provider, c.String("id-token"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Signed in as %s\n", user.Email)
	return nil
}

func runWhoami(c *cli.Context, e *env) error {
	st := e.session.Status()
	if st.State != auth.StateAuthenticated {
		fmt.Fprintf(c.App.Writer, "guest %s\n", st.GuestLabel)
		return nil
	}
	user, err := e.session.Validate(c.Context)
	if err != nil {
		return fmt.Errorf("%s: %w", api.Describe(err), err)
	}
	fmt.Fprintf(c.App.Writer, "%s (%s)\n", user.Email, user.ID)
	return nil
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	addr := cfg.Serve.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}
	model := cfg.Serve.Model
	if c.IsSet("model") {
		model = c.String("model")
	}
	level := cfg.LogLevel
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if logging.ParseLevel(level) == logging.LevelOff {
		level = "info"
	}
	logger := logging.New(logging.ParseLevel(level), c.App.ErrWriter).Component("devserver")

	opts := []devserver.Option{
		devserver.WithLogger(logger),
		devserver.WithFrameGap(c.Duration("frame-gap")),
	}
	if key := c.String("anthropic-key"); key != "" {
		opts = append(opts, devserver.WithResponder(devserver.NewClaudeResponder(key, model)))
		logger.Info("answering with Claude", "model", model)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           devserver.New(opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Fprintf(c.App.Writer, "Development backend listening on http://%s\n", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
