// -- cmd/run.go --
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/backend/cdp"
	"github.com/xkilldash9x/scalpel-driver/internal/backend/sim"
	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/journal"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

const (
	maxCommandSize  = 16 << 20
	shutdownTimeout = 10 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// reply is one line of run output.
type reply struct {
	Line      int              `json:"line"`
	Command   string           `json:"name,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Response  schemas.Response `json:"response"`
}

func newRunCmd() *cobra.Command {
	var (
		inputPath   string
		metricsAddr string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch JSON-lines commands and print JSON-lines responses",
		Long: `Reads one command per line from a file or stdin, for example

  {"name":"newSession"}
  {"name":"get","parameters":{"url":"https://example.com"}}
  {"name":"getTitle"}

Commands without a sessionId go to the session opened most recently.
Blank lines and lines starting with # are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			in := cmd.InOrStdin()
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return fmt.Errorf("failed to open command file: %w", err)
				}
				defer f.Close()
				in = f
			}

			rt, err := newRunState(ctx, cfg, logger, metricsAddr)
			if err != nil {
				return err
			}
			defer rt.close(logger)

			return runCommands(ctx, rt.driver, in, cmd.OutOrStdout(), logger)
		},
	}

	runCmd.Flags().StringVarP(&inputPath, "input", "i", "-", "command file, or - for stdin")
	runCmd.Flags().String("backend", config.BackendSim, "browser backend: sim or cdp")
	runCmd.Flags().Bool("headless", true, "run a local browser without a window (cdp)")
	runCmd.Flags().String("remote-url", "", "DevTools websocket URL of a running browser (cdp)")
	runCmd.Flags().String("input-strategy", config.InputNative, "input strategy: native or script")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	return runCmd
}

// runState holds everything a run needs torn down on exit.
type runState struct {
	driver  *driver.Driver
	journal *journal.Journal
	server  *http.Server
}

func newRunState(ctx context.Context, cfg *config.Config, logger *zap.Logger, metricsAddr string) (*runState, error) {
	rt := &runState{}
	opts := driver.Options{
		Config:  cfg.Driver(),
		NewHost: hostFactory(cfg, logger),
		Logger:  logger,
	}

	if cfg.Metrics().Enabled || metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = observability.NewMetrics(reg, cfg.Metrics().Namespace)
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			rt.server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server failed.", zap.Error(err))
				}
			}()
			logger.Info("Serving metrics.", zap.String("addr", metricsAddr))
		}
	}

	if cfg.Journal().Enabled {
		j, err := journal.Open(ctx, cfg.Journal().URL, logger)
		if err != nil {
			rt.close(logger)
			return nil, err
		}
		rt.journal = j
		opts.Journal = j
	}

	d, err := driver.New(opts)
	if err != nil {
		rt.close(logger)
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	rt.driver = d
	return rt, nil
}

func (rt *runState) close(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if rt.driver != nil {
		if err := rt.driver.Shutdown(ctx); err != nil {
			logger.Warn("Driver shutdown incomplete.", zap.Error(err))
		}
	}
	if rt.journal != nil {
		if err := rt.journal.Close(ctx); err != nil {
			logger.Warn("Journal did not flush cleanly.", zap.Error(err))
		}
	}
	if rt.server != nil {
		_ = rt.server.Shutdown(ctx)
	}
}

// hostFactory starts the configured backend for each new session.
func hostFactory(cfg *config.Config, logger *zap.Logger) driver.HostFactory {
	browserCfg := cfg.Browser()
	if cfg.Driver().Backend == config.BackendCDP {
		return func(ctx context.Context) (automation.Host, error) {
			h, err := cdp.NewHost(ctx, browserCfg, logger)
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	}
	return func(ctx context.Context) (automation.Host, error) {
		h, err := sim.NewHost(logger, sim.WithViewport(browserCfg.WindowWidth, browserCfg.WindowHeight))
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// runCommands dispatches every command read from r in order and writes one
// reply per command to w. It stops at end of input or when ctx is done.
func runCommands(ctx context.Context, d *driver.Driver, r io.Reader, w io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxCommandSize)
	enc := json.NewEncoder(w)

	current := ""
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		out := reply{Line: line}
		cmd, err := schemas.ParseCommand([]byte(text))
		if err != nil {
			out.Response = schemas.ErrorResponse("", schemas.NewError(schemas.InvalidArgument, "%s", err))
		} else {
			if cmd.SessionID == "" && cmd.Type != schemas.CmdNewSession && cmd.Type != schemas.CmdStatus {
				cmd.SessionID = current
			}
			out.Command = string(cmd.Type)
			out.Response = d.Dispatch(ctx, cmd)
			if cmd.Type == schemas.CmdNewSession && out.Response.IsSuccess() {
				current = out.Response.SessionID
			}
			out.SessionID = out.Response.SessionID
			if out.SessionID == "" {
				out.SessionID = cmd.SessionID
			}
		}

		if !out.Response.IsSuccess() {
			logger.Debug("Command failed.", zap.Int("line", line), zap.String("command", out.Command), zap.String("message", out.Response.Message))
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read commands: %w", err)
	}
	return nil
}
