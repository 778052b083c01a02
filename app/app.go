// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package app defines the "datapipe" command.
//
// datapipe listens for connections. When the acquisition bridge connects, it
// opens the acquisition source, reads the dataset header, and streams the
// dataset to its output targets until the recording duration has elapsed.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mikemanookin/manookin-package/acquisition"
	"github.com/mikemanookin/manookin-package/config"
	"github.com/mikemanookin/manookin-package/relay"
	"github.com/mikemanookin/manookin-package/support/errs"
	"github.com/mikemanookin/manookin-package/support/fmtutil"
	"github.com/mikemanookin/manookin-package/support/logging"
	"github.com/mikemanookin/manookin-package/writer"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// EnvPrefix is the prefix of environment variables that set flags.
const EnvPrefix = "DATAPIPE"

// usageError is an error in the command's arguments or flags.
type usageError struct {
	error
}

func (e usageError) Cause() error  { return e.error }
func (e usageError) Unwrap() error { return e.error }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}

// Main is the main entry point. It exits the process.
func Main() {
	c, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rc := Run(c, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(rc)
}

// Run runs the datapipe command with args until c is cancelled, and returns
// its exit code.
func Run(c context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(c)
	switch {
	case err == nil:
		return ExitSuccess
	case isUsageError(err):
		fmt.Fprintf(stderr, "Error: %s\n\n%s", err, cmd.UsageString())
		return ExitUsage
	default:
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return ExitFailure
	}
}

// NewCommand returns the datapipe command.
func NewCommand() *cobra.Command { return newCommand(viper.New()) }

func newCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datapipe " + config.Usage,
		Short: "Relay a live acquisition stream to its output targets.",
		Long: `datapipe listens for connections on <port>. When the acquisition bridge
(--data-source-addr) connects, datapipe opens the acquisition source, waits
for its dataset header, and streams the dataset to each ";"-separated output
target: "net://host/port", "file://dir" (or a bare dir), or a compressed
file target ("snappy://dir", "gzip://dir", "zstd://dir", "lz4://dir").

Every flag may also be set with a ` + EnvPrefix + `_* environment variable
(for example, ` + EnvPrefix + `_BASE_PATH).`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.RangeArgs(1, 4)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, args)
			if err != nil {
				return usageError{err}
			}

			logger, err := newLogger(v.GetString("log-level"), v.GetBool("dev-log"))
			if err != nil {
				return usageError{err}
			}
			defer func() { _ = logger.Sync() }()

			return Serve(cmd.Context(), &cfg, logger)
		},
	}

	fs := cmd.Flags()
	fs.String("source", config.DefaultSource,
		`Acquisition source: "net://host/port", "file://path", or a path.`)
	fs.String("data-source-addr", config.DefaultDataSourceAddr,
		"Peer IP address recognized as the acquisition bridge.")
	fs.String("base-path", "",
		"Directory that relative file targets are written beneath.")
	fs.Int("buffers", config.DefaultBufferCount,
		"Number of sample buffers in each stream's pool.")
	fs.Duration("duration", config.DefaultStreamDuration,
		"Amount of stream time to record for each dataset (0 for no limit).")
	fs.Bool("wait-for-data", false,
		"Wait for more data at the end of a local source instead of ending.")
	fs.String("listen-ip", "",
		"IP address to listen on. If empty, the local site address is resolved.")
	fs.String("metrics-addr", "",
		"If not empty, serve Prometheus metrics on this address.")
	fs.Float64("accept-rate", 0,
		"Maximum connections accepted per second (0 for no limit).")
	fs.String("log-level", "info",
		"Log level (debug, info, warn, error).")
	fs.Bool("dev-log", false,
		"Use human-readable development logging.")

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error { return usageError{err} })

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	return cmd
}

// loadConfig builds the Config from the positional arguments and flags.
func loadConfig(v *viper.Viper, args []string) (config.Config, error) {
	cfg, err := config.ParseArgs(args)
	if err != nil {
		return cfg, err
	}

	if cfg.Source, err = acquisition.ParseSource(v.GetString("source")); err != nil {
		return cfg, err
	}
	cfg.DataSourceAddr = v.GetString("data-source-addr")
	cfg.BasePath = v.GetString("base-path")
	cfg.BufferCount = v.GetInt("buffers")
	cfg.StreamDuration = v.GetDuration("duration")
	cfg.WaitForData = v.GetBool("wait-for-data")
	cfg.MetricsAddr = v.GetString("metrics-addr")
	cfg.AcceptRate = v.GetFloat64("accept-rate")

	if ip := v.GetString("listen-ip"); ip != "" {
		if cfg.ListenIP = net.ParseIP(ip); cfg.ListenIP == nil {
			return cfg, errs.Newf(errs.Configuration, "parse flags", "invalid listen IP %q", ip)
		}
	}

	return cfg, cfg.Validate()
}

func newLogger(level string, dev bool) (*zap.SugaredLogger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errs.New(errs.Configuration, "parse log level", err)
	}

	zc := zap.NewProductionConfig()
	if dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl

	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return l.Sugar(), nil
}

// Serve runs the relay described by cfg until c is cancelled.
func Serve(c context.Context, cfg *config.Config, logger logging.L) error {
	logger = logging.Must(logger)
	c = logging.Use(c, logger)

	geom, err := cfg.Geometry()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	acquisition.RegisterMonitoring(reg)
	writer.RegisterMonitoring(reg)
	relay.RegisterMonitoring(reg)

	d := relay.Dispatcher{
		Port:       cfg.Port,
		ListenIP:   cfg.ListenIP,
		Classifier: &relay.AddressClassifier{DataSourceAddr: cfg.DataSourceAddr},
		Handshake: relay.Handshake{
			Source:        cfg.Source,
			Geometry:      geom,
			WaitForData:   cfg.WaitForData,
			OutputTargets: cfg.OutputTargets,
			BasePath:      cfg.BasePath,
			Duration:      cfg.StreamDuration,
			SaveMode:      cfg.SaveMode,
		},
		Logger: logger,
	}
	if cfg.AcceptRate > 0 {
		d.Limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), 1)
	}
	if err := d.Listen(); err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	logger.Infof("Relaying %s (data source %s) to %q.", cfg.Source, cfg.DataSourceAddr, cfg.OutputTargets)
	logger.Infof("Buffers: %s, each %s; %s mode; recording %s per dataset.",
		geom, fmtutil.Bytes(int64(geom.BufferBytes)), cfg.SaveMode, cfg.StreamDuration)

	// The dispatcher and the metrics server stop together.
	g, gc := errgroup.WithContext(c)
	g.Go(func() error { return d.Serve(gc) })

	if cfg.MetricsAddr != "" {
		srv := http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("Serving metrics on %s.", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serving metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-gc.Done()
			sc, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sc)
		})
	}

	return g.Wait()
}
