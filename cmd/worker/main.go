// Package main はワーカープロセスのエントリーポイントです。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eslieh/grid-worker/internal/api"
	"github.com/eslieh/grid-worker/internal/config"
	"github.com/eslieh/grid-worker/internal/logging"
	"github.com/eslieh/grid-worker/internal/task"
)

const version = "0.1.0"

type flags struct {
	concurrency int
	queues      []string
	httpAddr    string
}

func main() {
	var f flags
	root := &cobra.Command{
		Use:           "grid-worker",
		Short:         "Distributed image-processing worker pool",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}
	root.PersistentFlags().IntVar(&f.concurrency, "concurrency", 0, "number of concurrent jobs (overrides WORKER_CONCURRENCY)")
	root.PersistentFlags().StringSliceVar(&f.queues, "queues", nil, "queues to consume, comma separated (overrides WORKER_QUEUES)")
	root.PersistentFlags().StringVar(&f.httpAddr, "http-addr", "", "ops API listen address (overrides HTTP_ADDR)")

	root.AddCommand(submitCmd(&f))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "grid-worker: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig は設定を読み込み、コマンドラインフラグで上書きします。
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("queues") {
		cfg.Queues = f.queues
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTPAddr = f.httpAddr
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	if cfg.LogFile == "" {
		return logging.New(cfg.AppEnv, nil), io.NopCloser(nil), nil
	}
	file, err := logging.OpenFile(cfg.LogFile)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.New(cfg.AppEnv, file), file, nil
}

func runServe(cmd *cobra.Command, f flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := setupJobs(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.manager.Start(); err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Options{
		Submitter: app.dispatcher,
		Queues:    app.manager,
		FilesDir:  app.filesDir,
		Version:   version,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.AppEnv).Msg("ops API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		app.manager.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func submitCmd(f *flags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate an envelope JSON and enqueue it on the dispatcher queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				fh, err := os.Open(file)
				if err != nil {
					return err
				}
				defer fh.Close()
				in = fh
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			env, err := task.DecodeEnvelope(data)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd, *f)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			app, err := setupJobs(cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()
			defer app.manager.Shutdown()

			if err := app.dispatcher.Submit(cmd.Context(), env); err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"task_id": env.TaskID})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "envelope JSON file (- for stdin)")
	return cmd
}
