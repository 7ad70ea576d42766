package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-claim/v1/config"
	"github.com/mirkobrombin/go-claim/v1/coordinator"
	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/presets"
)

// Exit codes besides the command's own.
const (
	exitError    = 1
	exitNotRun   = 75
	exitTimedOut = 124
)

// exitCode carries the process exit status out of cobra.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	var code exitCode
	switch {
	case err == nil:
		return 0
	case errors.As(err, &code):
		return int(code)
	case errors.Is(err, claimerr.ErrWaitTimeout):
		fmt.Fprintln(stderr, "claimrun:", err)
		return exitTimedOut
	default:
		fmt.Fprintln(stderr, "claimrun:", err)
		return exitError
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "claimrun [flags] KEY -- COMMAND [ARGS...]",
		Short:         "Run a command at most once per key across processes",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return execute(cmd.Context(), v, cfg, args, stdout, stderr)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.Bool("try", false, "exit 75 instead of waiting when the key is busy")
	flags.Bool("subscribe", false, "only observe KEY, never run a command")
	flags.Bool("quiet", false, "do not print progress")
	flags.Bool("trace", false, "print OpenTelemetry spans to stderr")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address")
	if err := config.BindFlags(v, flags); err != nil {
		panic(err)
	}
	return cmd
}

func execute(ctx context.Context, v *viper.Viper, cfg config.Config, args []string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if v.GetBool("trace") {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stderr))
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	if addr := v.GetString("metrics-listen"); addr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("claimrun: metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	b, err := presets.New[Result](cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	c := b.Coordinator

	key, command := args[0], args[1:]
	var h *coordinator.Handle[Result]
	switch {
	case v.GetBool("subscribe"):
		h, err = c.Subscribe(ctx, key)
	case len(command) == 0:
		return errors.New("missing command after KEY")
	case v.GetBool("try"):
		res, ok, err := c.TryRun(ctx, key, commandWork{name: command[0], args: command[1:], stderr: stderr})
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("claimrun: key busy, not running", "key", key)
			return exitCode(exitNotRun)
		}
		return report(res, stdout)
	default:
		h, err = c.Acquire(ctx, key, commandWork{name: command[0], args: command[1:], stderr: stderr})
	}
	if err != nil {
		return err
	}
	if !h.WasOwner() {
		logger.Info("claimrun: waiting for running owner", "key", key)
	}
	if !v.GetBool("quiet") {
		for rec := range h.Progress(ctx) {
			if !rec.Terminal {
				fmt.Fprintf(stderr, "[%s] %5.1f%% %s\n", key, rec.Percent, rec.Message)
			}
		}
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	return report(res, stdout)
}

func report(res Result, stdout io.Writer) error {
	if _, err := io.WriteString(stdout, res.Output); err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitCode(res.ExitCode)
	}
	return nil
}
