package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/feedweave/internal/api"
	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/config"
	"github.com/kalambet/feedweave/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, embedding queue, clustering and HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipOllama, _ := cmd.Flags().GetBool("skip-ollama-check")
		return runServer(skipOllama)
	},
}

func init() {
	serveCmd.Flags().Bool("skip-ollama-check", false, "start without checking Ollama and its models")
}

func runServer(skipOllama bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)
	logger.Info("feedweave starting", "version", version)

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipOllama {
		if err := ensureOllama(ctx, cfg, os.Stderr); err != nil {
			return err
		}
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := newCron(cfg, a.pipeline, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.queue.Run(ctx, cfg.Queue.PollInterval, cfg.Queue.DrainLimit)
	}()
	defer wg.Wait()

	if cfg.Server.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: a.pipeline, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewAppHandler(api.AppDeps{
			Service:  a.pipeline,
			Token:    apiToken,
			Metrics:  a.metrics.Handler(),
			FeedLink: cfg.Server.PublicURL,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newCron registers the periodic passes. Overlapping runs of the same job
// are skipped.
func newCron(cfg config.Config, p *pipeline.Pipeline, logger *slog.Logger) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"scheduler pass", cfg.Schedule.Cron, func(ctx context.Context) error {
			outcomes, err := p.RunSchedulerPass(ctx, cfg.Schedule.BatchLimit)
			if err == nil && len(outcomes) > 0 {
				logger.Info("scheduler pass", "feeds", len(outcomes))
			}
			return err
		}},
		{"clustering pass", cfg.Clustering.Cron, func(ctx context.Context) error {
			_, err := p.RunClusteringPass(ctx, clustering.Options{})
			return err
		}},
		{"cluster sweep", cfg.Clustering.SweepCron, func(ctx context.Context) error {
			_, err := p.DeleteExpiredClusters(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			logger.Info("periodic job disabled", "job", j.name)
			continue
		}
		if _, err := c.AddFunc(j.spec, func() {
			if err := j.run(context.Background()); err != nil {
				logger.Error(j.name+" failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduling %s %q: %w", j.name, j.spec, err)
		}
	}
	return c, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show feedweave system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

type pipelineStatus struct {
	Feeds map[string]int `json:"feeds"`
	Queue struct {
		Pending    int `json:"pending"`
		Processing int `json:"processing"`
		DeadLetter int `json:"dead_letter"`
	} `json:"queue"`
	Clusters int `json:"clusters"`
}

func fetchStatus(ctx context.Context, c *apiClient) (pipelineStatus, error) {
	var st pipelineStatus
	resp, err := c.get(ctx, "/api/status")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	probe := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := probe.Get("http://" + cfg.Addr() + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if ollamaResp, err := probe.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.Ollama.ChatModel != "" {
		printStatus("Summary model", "%s", cfg.Ollama.ChatModel)
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			if st, err := fetchStatus(ctx, client); err == nil {
				printStatus("Feeds", "%d active, %d paused, %d error",
					st.Feeds["active"], st.Feeds["paused"], st.Feeds["error"])
				printStatus("Queue", "%d pending, %d processing, %d dead-lettered",
					st.Queue.Pending, st.Queue.Processing, st.Queue.DeadLetter)
				printStatus("Clusters", "%d", st.Clusters)
			} else {
				printWarning("status unavailable: %v", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
