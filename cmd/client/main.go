package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/tuichat/internal/client"
	"github.com/Tyrowin/tuichat/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		url      string
		origin   string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "tuichat [url]",
		Short: "Chat on a tuichat server",
		Long: `Connect to a tuichat server and chat line by line.

Every line read from stdin is sent as a message; received messages are
printed to stdout. The server URL defaults to TUICHAT_SERVER_URL.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig()
			if err != nil {
				return err
			}

			if flags := cmd.Flags(); flags.Changed("url") {
				cfg.URL = url
			}
			if len(args) == 1 {
				cfg.URL = args[0]
			}
			if cmd.Flags().Changed("origin") {
				cfg.Origin = origin
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			return run(cmd.Context(), *cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "", "Server WebSocket URL")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header sent with the upgrade")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, cfg client.Config, in io.Reader, out io.Writer) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}

	store := client.NewStore()
	session := client.NewSession(conn, store, cfg, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return printMessages(gctx, store, out) })
	g.Go(func() error { return readLines(gctx, session, in, log) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// readLines sends every stdin line as a message. EOF ends the program once
// the queued messages are written.
func readLines(ctx context.Context, session *client.Session, in io.Reader, log zerolog.Logger) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- err
			return
		}
		errc <- io.EOF
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				if ferr := session.Flush(ctx); ferr != nil {
					return ferr
				}
			}
			return err
		case line := <-lines:
			if _, err := session.SendMessage(ctx, line); err != nil {
				if errors.Is(err, client.ErrEmptyMessage) {
					continue
				}
				return err
			}
			log.Debug().Msg("message queued")
		}
	}
}

// printMessages writes messages to out as they appear in the store.
func printMessages(ctx context.Context, store *client.Store, out io.Writer) error {
	p := newPrinter(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-store.Updates():
		}
		p.print(store)
	}
}

type messageKey struct {
	sender  uuid.UUID
	message uuid.UUID
}

// printer remembers which messages were written so removals in the
// history do not hide later messages.
type printer struct {
	out     io.Writer
	self    uuid.UUID
	printed map[messageKey]struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, printed: make(map[messageKey]struct{})}
}

func (p *printer) print(store *client.Store) {
	if current := store.Self(); current.State == client.SelfResolved && current.ID != p.self {
		p.self = current.ID
		fmt.Fprintf(p.out, "* connected as %s\n", p.self)
	}

	for _, msg := range store.History() {
		key := messageKey{sender: msg.SenderID, message: msg.MessageID}
		if _, ok := p.printed[key]; ok {
			continue
		}
		p.printed[key] = struct{}{}

		sender := msg.SenderID.String()[:8]
		if msg.SenderID == p.self {
			sender = "you"
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", msg.ReceivedAt.Format("15:04:05"), sender, msg.Body)
	}
}
