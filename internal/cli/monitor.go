// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-u2fzero/pkg/device"
	"github.com/jeremyhahn/go-u2fzero/pkg/health"
	"github.com/jeremyhahn/go-u2fzero/pkg/metrics"
)

var (
	monitorListen   string
	monitorInterval time.Duration
)

// monitorCmd runs the authenticator core against messages read from stdin
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the authenticator core on hex messages from stdin",
	Long: `Boot the authenticator core and answer one message per input line.
A line is the hex encoded command byte followed by its payload, for
example "c0" for the RNG command. Each reply is printed as hex.

With --listen, or metrics enabled in the configuration, Prometheus
metrics and health endpoints (/health/live, /health/ready, /health/startup)
are served and the secure element is checked periodically.`,
	Run: func(cmd *cobra.Command, args []string) {
		withStack(func(s *Stack, p *Printer) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMonitor(ctx, s, cmd.InOrStdin(), p)
		})
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorListen, "listen", "",
		"serve metrics on this address (default from configuration)")
	monitorCmd.Flags().DurationVar(&monitorInterval, "check-interval", 30*time.Second,
		"secure element check interval")
}

// runMonitor boots the core, starts the metrics endpoint and answers
// messages from in until it ends or ctx is cancelled.
func runMonitor(ctx context.Context, s *Stack, in io.Reader, p *Printer) error {
	addr := monitorListen
	if addr == "" && s.Config.Metrics.Enabled {
		addr = s.Config.Metrics.Address
	}
	checker := health.NewChecker(s.Core.Err)
	checker.RegisterCheck("secure_element", health.ElementCheck(s.Ping))
	checker.RegisterCheck("sanity", health.SanityCheck(s.GuardedSanity))
	if addr != "" {
		metrics.Enable()
		srv := startMetrics(s, addr, checker)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		collector := metrics.StartLivenessCollector(ctx, monitorInterval, s.Ping)
		defer collector.Stop()
	}

	if err := s.Core.Start(ctx); err != nil {
		return err
	}
	checker.MarkStarted()
	s.Logger.Info("authenticator core started", "usb_serial", s.Core.Serial())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs := make(chan device.Message)
	out := &replyPrinter{p: p}
	go func() {
		defer close(msgs)
		readMessages(ctx, in, msgs, out)
	}()

	err := s.Core.Run(ctx, msgs, out.reply)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// readMessages decodes one message per line of in.
func readMessages(ctx context.Context, in io.Reader, out chan<- device.Message, p *replyPrinter) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil || len(raw) == 0 {
			p.reply(nil, fmt.Errorf("invalid message %q", line))
			continue
		}
		select {
		case out <- device.Message{Cmd: raw[0], Payload: raw[1:]}:
		case <-ctx.Done():
			return
		}
	}
}

// replyPrinter serializes output of the reader and the core loop.
type replyPrinter struct {
	mu sync.Mutex
	p  *Printer
}

func (rp *replyPrinter) reply(r *device.Reply, err error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	switch {
	case err != nil:
		_ = rp.p.PrintError(err)
	case r == nil:
		_ = rp.p.PrintSuccess("ok")
	default:
		_ = rp.p.PrintFields(
			Field{"Cmd", fmt.Sprintf("%02x", r.Cmd)},
			Field{"Payload", r.Payload},
		)
	}
}

// startMetrics serves the Prometheus registry and the health endpoints on
// addr.
func startMetrics(s *Stack, addr string, checker *health.Checker) *http.Server {
	path := s.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.Handle("/health/", http.StripPrefix("/health", checker.Handler()))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Logger.Info("Starting metrics server", "address", addr, "path", path)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Error(fmt.Errorf("metrics server: %w", err))
		}
	}()
	return server
}
