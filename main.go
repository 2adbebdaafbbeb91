package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"conecta-bridge/broker"
	"conecta-bridge/channel"
	"conecta-bridge/config"
	"conecta-bridge/dispatch"
	"conecta-bridge/middleware"
	"conecta-bridge/models"
	"conecta-bridge/notify"
	"conecta-bridge/reminders"
	"conecta-bridge/remote"
	"conecta-bridge/router"
	"conecta-bridge/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cfgPath  string
		logLevel string
		cfg      *config.Config
	)

	app := &cli.Command{
		Name:  "conecta-bridge",
		Usage: "caregiver message and reminder bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("CONECTA_CONFIG"),
				Value:       "./conecta.yaml",
				Destination: &cfgPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("CONECTA_LOG_LEVEL"),
				Value:       "info",
				Destination: &logLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return ctx, fmt.Errorf("parse log level: %w", err)
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()

			cfg, err = config.Load(cfgPath)
			if err != nil {
				return ctx, err
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "broker",
				Usage: "run the embedded topic broker",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "auth", Usage: "require a signed token on connect"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runBroker(ctx, cfg, c.Bool("auth"))
				},
			},
			{
				Name:  "listen",
				Usage: "connect to the broker, raise notifications for inbound events, and fire persisted reminders",
				Action: func(ctx context.Context, c *cli.Command) error {
					return runListen(ctx, cfg)
				},
			},
			{
				Name:      "send",
				Usage:     "send a message on the outbound topic",
				ArgsUsage: "<text>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() == 0 {
						return errors.New("usage: send <text>")
					}
					return runSend(ctx, cfg, strings.Join(c.Args().Slice(), " "))
				},
			},
			{
				Name:  "remind",
				Usage: "manage reminders",
				Commands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "create a reminder",
						ArgsUsage: "<text>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "at", Usage: "fire time as HH:MM", Required: true},
							&cli.BoolFlag{Name: "daily", Usage: "recur every day via local notification"},
						},
						Action: func(ctx context.Context, c *cli.Command) error {
							if c.Args().Len() == 0 {
								return errors.New("usage: remind add --at HH:MM <text>")
							}
							text := strings.Join(c.Args().Slice(), " ")
							return runRemindAdd(ctx, cfg, text, c.String("at"), c.Bool("daily"))
						},
					},
					{
						Name:  "list",
						Usage: "list reminders sorted by time",
						Action: func(ctx context.Context, c *cli.Command) error {
							return runRemindList(cfg)
						},
					},
					{
						Name:      "rm",
						Usage:     "delete a reminder by id",
						ArgsUsage: "<id>",
						Action: func(ctx context.Context, c *cli.Command) error {
							if c.Args().Len() != 1 {
								return errors.New("usage: remind rm <id>")
							}
							return runRemindRm(ctx, cfg, c.Args().First())
						},
					},
				},
			},
			{
				Name:      "token",
				Usage:     "mint a broker connection token",
				ArgsUsage: "[client-id]",
				Action: func(ctx context.Context, c *cli.Command) error {
					clientID := c.Args().First()
					if clientID == "" {
						clientID = "device"
					}
					token, err := middleware.GenerateToken(clientID)
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBroker(ctx context.Context, cfg *config.Config, auth bool) error {
	logger := log.With().Str("component", "broker").Logger()
	hub := broker.NewHub(logger)
	if auth {
		hub.RequireAuth()
	}
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/", hub.HandleWebSocket)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Broker.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("port", cfg.Broker.Port).Bool("auth", auth).Msg("broker listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runListen(ctx context.Context, cfg *config.Config) error {
	kv, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer kv.Close()

	conn := newConn(cfg)
	defer conn.Close()

	gateway := notify.NewGateway(
		notify.LogSink{Log: log.With().Str("component", "notify").Logger()},
		notify.WithAlerter(func(title, body string) {
			fmt.Printf("%s: %s\n", title, body)
		}),
		notify.WithLogger(log.With().Str("component", "notify").Logger()),
	)
	defer gateway.Close()

	rt := router.New(gateway, cfg.Topics.Confirmation, cfg.Topics.Alert,
		log.With().Str("component", "router").Logger())
	sub, err := rt.Attach(conn)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	sender := dispatch.New(conn, cfg.Topics.Message, log.With().Str("component", "dispatch").Logger())
	rs := reminders.New(kv, sender,
		reminders.WithGateway(gateway),
		reminders.WithLogger(log.With().Str("component", "reminders").Logger()))
	defer rs.Close()

	armed, err := rs.ArmAll()
	if err != nil {
		return err
	}
	log.Info().Int("armed", armed).Msg("reminders armed")

	conn.Connect()
	log.Info().Str("url", cfg.BrokerURL()).Msg("listening, ctrl-c to stop")

	<-ctx.Done()
	return nil
}

func runSend(ctx context.Context, cfg *config.Config, text string) error {
	conn := newConn(cfg)
	defer conn.Close()

	conn.Connect()
	if err := waitConnected(ctx, conn, 10*time.Second); err != nil {
		return err
	}

	sender := dispatch.New(conn, cfg.Topics.Message, log.With().Str("component", "dispatch").Logger())
	if err := sender.Send(text); err != nil {
		return err
	}
	fmt.Println("Se envió el mensaje")
	return nil
}

func runRemindAdd(ctx context.Context, cfg *config.Config, text, at string, daily bool) error {
	hour, minute, err := parseClock(at)
	if err != nil {
		return err
	}

	kv, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer kv.Close()

	rs, gateway := openReminderStore(cfg, kv)
	defer gateway.Close()
	defer rs.Close()

	var r models.Reminder
	if daily {
		r, err = rs.CreateDaily(text, hour, minute)
	} else {
		r, err = rs.Create(text, hour, minute)
	}
	if err != nil {
		return err
	}

	if cfg.Sync.BaseURL != "" {
		if err := remote.NewClient(cfg.Sync.BaseURL).Save(ctx, r); err != nil {
			log.Warn().Err(err).Msg("sync save failed")
		}
	}

	fmt.Printf("Programado %s a las %s (id %s)\n", r.Text, r.Time, r.ID)
	return nil
}

func runRemindList(cfg *config.Config) error {
	kv, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer kv.Close()

	rs := reminders.New(kv, nil)
	list, err := rs.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No hay recordatorios")
		return nil
	}
	for _, r := range list {
		kind := "once"
		if r.Daily {
			kind = "daily"
		}
		fmt.Printf("%-36s  %s  %-5s  %s\n", r.ID, r.Time, kind, r.Text)
	}
	return nil
}

func runRemindRm(ctx context.Context, cfg *config.Config, id string) error {
	kv, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer kv.Close()

	rs, gateway := openReminderStore(cfg, kv)
	defer gateway.Close()
	defer rs.Close()

	if err := rs.Delete(id); err != nil {
		return err
	}

	if cfg.Sync.BaseURL != "" {
		if err := remote.NewClient(cfg.Sync.BaseURL).Delete(ctx, id); err != nil {
			log.Warn().Err(err).Msg("sync delete failed")
		}
	}
	return nil
}

func newConn(cfg *config.Config) *channel.Conn {
	opts := []channel.Option{
		channel.WithLogger(log.With().Str("component", "channel").Logger()),
		channel.WithBackoff(channel.Backoff{
			MaxRetries: cfg.Reconnect.MaxRetries,
			BaseDelay:  cfg.Reconnect.BaseDelay.Std(),
			MaxDelay:   cfg.Reconnect.MaxDelay.Std(),
		}),
	}
	if cfg.Broker.Token != "" {
		opts = append(opts, channel.WithToken(cfg.Broker.Token))
	}
	return channel.New(cfg.BrokerURL(), opts...)
}

func openReminderStore(cfg *config.Config, kv *store.KV) (*reminders.Store, *notify.Gateway) {
	gateway := notify.NewGateway(
		notify.LogSink{Log: log.With().Str("component", "notify").Logger()},
		notify.WithAlerter(func(title, body string) {
			fmt.Printf("%s: %s\n", title, body)
		}),
	)
	conn := newConn(cfg)
	sender := dispatch.New(conn, cfg.Topics.Message, log.With().Str("component", "dispatch").Logger())
	rs := reminders.New(kv, sender,
		reminders.WithGateway(gateway),
		reminders.WithLogger(log.With().Str("component", "reminders").Logger()))
	return rs, gateway
}

func waitConnected(ctx context.Context, conn *channel.Conn, timeout time.Duration) error {
	statusCh := make(chan channel.Status, 8)
	sub := conn.OnStatus(func(s channel.Status) { statusCh <- s })
	defer sub.Cancel()

	if conn.Status() == channel.StatusConnected {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case s := <-statusCh:
			switch s {
			case channel.StatusConnected:
				return nil
			case channel.StatusError:
				return errors.New("broker unreachable")
			}
		case <-deadline.C:
			return errors.New("timed out waiting for connection")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseClock(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
