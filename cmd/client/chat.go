package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/pairchat/internal/api"
	"github.com/omochice/pairchat/internal/metrics"
	"github.com/omochice/pairchat/internal/session"
	"github.com/omochice/pairchat/internal/transcript"
	"github.com/omochice/pairchat/internal/transport"
	"github.com/omochice/pairchat/pkg/protocol"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		as, with       string
		transcriptPath string
		metricsAddr    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with another user",
		Long: `Opens the conversation between --as and --with. Lines typed on stdin are
sent to the other user. Commands:

  /with N   switch to a conversation with user N
  /as N     continue as user N
  /history  print the whole timeline again
  /quit     leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.Metrics.Addr = metricsAddr
			}
			local, err := protocol.ParseUserID(as)
			if err != nil {
				return errors.Wrap(err, "--as")
			}
			remote, err := protocol.ParseUserID(with)
			if err != nil {
				return errors.Wrap(err, "--with")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			key := session.Key{Local: local, Remote: remote}
			return runChat(ctx, a, key, transcriptPath, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Local user id")
	cmd.Flags().StringVar(&with, "with", "", "Remote user id")
	cmd.Flags().StringVar(&transcriptPath, "transcript", "", "Write the final timeline to this file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("as")
	_ = cmd.MarkFlagRequired("with")
	return cmd
}

func runChat(ctx context.Context, a *app, key session.Key, transcriptPath string, in io.Reader, out io.Writer) error {
	cfg := a.cfg
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	client, err := api.New(cfg.Server.URL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.Timeouts.History.Duration() + time.Second}),
		api.WithLogger(a.logger))
	if err != nil {
		return err
	}
	tr, err := transport.New(cfg.Server.URL,
		transport.WithDialTimeout(cfg.Timeouts.Dial.Duration()),
		transport.WithLogger(a.logger),
		transport.WithMetrics(m))
	if err != nil {
		return err
	}

	names := newDirectory(a.logger)
	names.load(ctx, client, key.Local)

	printer := &printer{out: out, names: names}
	topic := session.FixedTopic(cfg.Chat.Topic)
	if cfg.Chat.TopicPerPair {
		topic = session.PairTopic
	}
	ctrl := session.New(session.FromTransport(tr), client,
		session.WithTopic(topic),
		session.WithPairFilter(cfg.Chat.FilterPair),
		session.WithHistoryTimeout(cfg.Timeouts.History.Duration()),
		session.WithObserver(printer),
		session.WithLogger(a.logger),
		session.WithMetrics(m))

	if err := ctrl.Activate(ctx, key); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, reg, a.logger)
		})
	}
	g.Go(func() error {
		defer cancel()
		return readLoop(gctx, ctrl, client, names, printer, in)
	})
	err = g.Wait()

	active, ok := ctrl.Active()
	snapshot := ctrl.Snapshot()
	ctrl.Close()

	if transcriptPath != "" && ok {
		if werr := writeTranscript(transcriptPath, active, snapshot); werr != nil {
			return werr
		}
		fmt.Fprintf(out, "transcript written to %s (%d entries)\n", transcriptPath, len(snapshot))
	}
	return err
}

func readLoop(ctx context.Context, ctrl *session.Controller, client *api.Client, names *directory, p *printer, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, ctrl, client, names, p, line)
			if err != nil {
				p.notice("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, ctrl *session.Controller, client *api.Client, names *directory, p *printer, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		err := ctrl.Send(line)
		if errors.Is(err, session.ErrEmptyMessage) {
			return false, nil
		}
		return false, err
	}

	current, _ := ctrl.Active()
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/history":
		p.replay(current, ctrl.Snapshot())
		return false, nil
	case "/with", "/as":
		if len(fields) != 2 {
			return false, errors.Errorf("usage: %s N", fields[0])
		}
		id, err := protocol.ParseUserID(fields[1])
		if err != nil {
			return false, err
		}
		next := current
		if fields[0] == "/with" {
			next.Remote = id
		} else {
			next.Local = id
			names.load(ctx, client, id)
		}
		if err := ctrl.Activate(ctx, next); err != nil {
			return false, err
		}
		p.notice("now chatting as %s with %s", names.name(next.Local), names.name(next.Remote))
		return false, nil
	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics listener")
	}
	return nil
}

func writeTranscript(path string, key session.Key, snapshot []protocol.Message) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create transcript")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	h := transcript.Header{Local: key.Local, Remote: key.Remote, ExportedAt: time.Now()}
	if err := transcript.Write(w, h, snapshot); err != nil {
		return err
	}
	return errors.Wrap(w.Flush(), "write transcript")
}

// directory maps user ids to display names.
type directory struct {
	logger zerolog.Logger
	mu     sync.Mutex
	users  map[protocol.UserID]protocol.User
}

func newDirectory(logger zerolog.Logger) *directory {
	return &directory{logger: logger, users: make(map[protocol.UserID]protocol.User)}
}

func (d *directory) load(ctx context.Context, client *api.Client, current protocol.UserID) {
	users, err := client.Directory(ctx, current)
	if err != nil {
		d.logger.Warn().Err(err).Msg("user directory unavailable")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range users {
		d.users[u.ID] = u
	}
}

func (d *directory) name(id protocol.UserID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		return u.Username
	}
	return "#" + id.String()
}

// printer renders timeline changes as they are observed.
type printer struct {
	out   io.Writer
	names *directory

	mu      sync.Mutex
	key     session.Key
	printed int
}

func (p *printer) TimelineChanged(key session.Key, snapshot []protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key != p.key || len(snapshot) < p.printed {
		p.key = key
		p.printed = 0
	}
	for _, msg := range snapshot[p.printed:] {
		p.entryLocked(msg)
	}
	p.printed = len(snapshot)
}

func (p *printer) HistoryFailed(key session.Key, err error) {
	p.notice("history for %s unavailable: %v", key, err)
}

func (p *printer) replay(key session.Key, snapshot []protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range snapshot {
		p.entryLocked(msg)
	}
	p.key = key
	p.printed = len(snapshot)
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "*** "+format+" ***\n", args...)
}

func (p *printer) entryLocked(msg protocol.Message) {
	at, ok := msg.Time()
	if !ok {
		at = time.Now()
	}
	stamp := at.Local().Format("15:04")
	if msg.IsError {
		fmt.Fprintf(p.out, "[%s] ! %s\n", stamp, msg.Content)
		return
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", stamp, p.names.name(msg.Sender), msg.Content)
}
