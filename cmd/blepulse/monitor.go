package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepulse/internal/bpm"
	"github.com/srg/blepulse/internal/console"
	"github.com/srg/blepulse/internal/device"
	"github.com/srg/blepulse/internal/gatt"
	"github.com/srg/blepulse/internal/session"
	"github.com/srg/blepulse/internal/uart"
	"github.com/srg/blepulse/pkg/config"
	"github.com/srg/blepulse/scanner"
)

const reconnectBaseDelay = time.Second

var monitorCmd = &cobra.Command{
	Use:   "monitor [address]",
	Short: "Stream live heart rate from a UART peripheral",
	Long: `Connect to a peripheral exposing the Nordic UART Service, enable sample
notifications and print a beats-per-minute estimate as samples arrive.

Without an address the first device whose name contains the configured
target ("BBC micro:bit") is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorName       string
	monitorReconnect  bool
	monitorMaxBackoff time.Duration
	monitorFraming    string
	monitorHello      string
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorName, "name", "n", "", "Connect to the first device whose name contains this text")
	monitorCmd.Flags().BoolVar(&monitorReconnect, "reconnect", false, "Reconnect with backoff when the link drops")
	monitorCmd.Flags().DurationVar(&monitorMaxBackoff, "max-backoff", 0, "Longest wait between reconnect attempts (default from config, 30s)")
	monitorCmd.Flags().StringVar(&monitorFraming, "framing", "", "Sample framing (packet, line)")
	monitorCmd.Flags().StringVar(&monitorHello, "hello", "", "Text written to the TX characteristic once streaming")
}

// applyMonitorFlags overlays explicitly set flags on cfg.
func applyMonitorFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Scan.TargetName = monitorName
	}
	if flags.Changed("reconnect") {
		cfg.Reconnect.Enabled = monitorReconnect
	}
	if flags.Changed("max-backoff") {
		cfg.Reconnect.MaxBackoff = monitorMaxBackoff
	}
	if flags.Changed("framing") {
		cfg.UART.Framing = monitorFraming
	}
	if flags.Changed("hello") {
		cfg.UART.Hello = monitorHello
	}
	return cfg.Validate()
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyMonitorFlags(cmd, cfg); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.WithError(err).Warn("Backend shutdown reported errors")
		}
	}()

	target, err := selectDevice(ctx, cmd, args, be, cfg, logger)
	if err != nil {
		return err
	}

	out := console.New(os.Stdout, colorOptions(cfg.Output.Color)...)
	defer out.Finish()
	sink, err := session.NewAsyncSink(out, session.DefaultAsyncSinkSize, logger)
	if err != nil {
		return fmt.Errorf("failed to start output: %w", err)
	}
	defer sink.Close()

	machine := newMachine(be.transport, sink, cfg, logger)
	defer machine.Close()

	return monitor(ctx, machine, target, cfg.Reconnect, logger, sleepCtx)
}

func selectDevice(ctx context.Context, cmd *cobra.Command, args []string, be *backend, cfg *config.Config, logger *logrus.Logger) (device.Handle, error) {
	if len(args) == 1 {
		return device.NewHandle(args[0], ""), nil
	}

	s, err := scanner.NewScanner(be.source, logger)
	if err != nil {
		return device.Handle{}, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Looking for %q...\n", cfg.Scan.TargetName)
	return s.FindFirst(ctx, &scanner.ScanOptions{
		Duration:        cfg.Scan.Duration,
		DuplicateFilter: true,
		NameFilter:      cfg.Scan.TargetName,
	})
}

func colorOptions(mode string) []console.Option {
	switch mode {
	case config.ColorAlways:
		return []console.Option{console.WithColor(true)}
	case config.ColorNever:
		return []console.Option{console.WithColor(false)}
	default:
		return nil
	}
}

// newMachine wires the configured profile, framing and estimator to a link
// over transport.
func newMachine(transport gatt.Transport, sink session.Sink, cfg *config.Config, logger *logrus.Logger) *session.Machine {
	// Validate has already accepted the framing and delimiter
	framing, _ := uart.ParseFraming(cfg.UART.Framing)
	delim := byte('\n')
	if cfg.UART.Delimiter != "" {
		delim = cfg.UART.Delimiter[0]
	}

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithProfile(uart.New(cfg.UART.ServiceUUID, cfg.UART.RXCharUUID, cfg.UART.TXCharUUID, logger)),
		session.WithSplitter(uart.NewSplitter(framing, delim)),
		session.WithEstimator(bpm.New(
			bpm.WithWindowSize(cfg.Estimator.WindowSize),
			bpm.WithDivisor(cfg.Estimator.Divisor),
			bpm.WithEmitInterval(cfg.Estimator.EmitInterval),
			bpm.WithCountWindow(cfg.Estimator.CountWindow),
			bpm.WithLogger(logger),
		)),
	}
	if cfg.UART.Hello != "" {
		opts = append(opts, session.WithHello([]byte(cfg.UART.Hello)))
	}
	return session.NewMachine(gatt.NewLink(transport, logger), sink, opts...)
}

// sessionStarter is the part of session.Machine the monitor loop drives.
type sessionStarter interface {
	Connect(ctx context.Context, dev device.Handle) (*session.Session, error)
	Disconnect() error
}

// monitor keeps a session to dev until ctx is cancelled. Without reconnect it
// returns ErrConnectionLost when the session ends on its own. With reconnect
// it retries after backoffDelay; a session that delivered samples resets the
// backoff.
func monitor(ctx context.Context, m sessionStarter, dev device.Handle, policy config.ReconnectConfig, logger *logrus.Logger, sleep func(context.Context, time.Duration) error) error {
	attempt := 0
	for {
		sess, err := m.Connect(ctx, dev)
		if err == nil {
			select {
			case <-ctx.Done():
				if derr := m.Disconnect(); derr != nil {
					logger.WithError(derr).Warn("Disconnect reported errors")
				}
				return nil
			case <-sess.Done():
				err = sess.Err()
			}
			if sess.Stats().Samples > 0 {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, session.ErrClosed) {
			return err
		}

		if !policy.Enabled {
			if err == nil {
				return ErrConnectionLost
			}
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}

		attempt++
		delay := backoffDelay(attempt, reconnectBaseDelay, policy.MaxBackoff)
		logger.WithFields(logrus.Fields{
			"address": dev.Address,
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Warn("Session ended, reconnecting")
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// backoffDelay doubles base for every attempt after the first, capped at ceiling.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 32 {
		return ceiling
	}
	d := base << (attempt - 1)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
