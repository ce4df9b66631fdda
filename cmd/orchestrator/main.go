package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/flowmesh/cmd/orchestrator/graphclient"
	"github.com/lyzr/flowmesh/common/bootstrap"
	"github.com/lyzr/flowmesh/common/clients"
	"github.com/lyzr/flowmesh/common/ratelimit"
	redisWrapper "github.com/lyzr/flowmesh/common/redis"
	"github.com/lyzr/flowmesh/internal/budget"
	"github.com/lyzr/flowmesh/internal/component"
	"github.com/lyzr/flowmesh/internal/coord"
	"github.com/lyzr/flowmesh/internal/events"
	"github.com/lyzr/flowmesh/internal/ports"
	"github.com/lyzr/flowmesh/internal/queue"
	"github.com/lyzr/flowmesh/internal/recovery"
	"github.com/lyzr/flowmesh/internal/store"
	"github.com/lyzr/flowmesh/internal/subworkflow"
	"github.com/lyzr/flowmesh/internal/topology"
)

// nodeJobStream is the Redis stream execute_node_job/start_execution jobs
// travel on (spec §6.1).
const nodeJobStream = "orchestrator_jobs"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	redisClient, err := newRedisClient()
	if err != nil {
		components.Logger.Error("failed to create redis client", "error", err)
		os.Exit(1)
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		components.Logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	redisC := redisWrapper.NewClient(redisClient, components.Logger)

	pgStore := store.NewPgxStore(components.DB)
	q := queue.New(redisC, components.Logger, nodeJobStream)
	coordinator := coord.New(redisC, components.Logger)
	bus := events.New(coordinator, components.Logger)

	graph := graphclient.New(getEnv("COMPILER_URL", "http://localhost:8090"), components.Logger, components.Cache)

	casClient, err := clients.NewCASClient(redisClient, components.Logger)
	if err != nil {
		components.Logger.Error("failed to create cas client", "error", err)
		os.Exit(1)
	}

	registry := component.NewRegistry()
	registry.Register("http", component.NewHTTPFactory(casClient))
	registry.Register("hitl", component.NewHITLFactory())
	registry.Register("switch", component.NewSwitchFactory())
	registry.Register("loop", component.NewLoopFactory())
	bridge := subworkflow.New(pgStore, q)
	registry.Register("subworkflow", component.NewSubworkflowFactory(bridge))

	budgetChecker := budget.New(budget.Limits{
		MaxTokensPerExecution:  components.Config.Orchestrator.MaxTokensPerExecution,
		MaxCostUSDPerExecution: components.Config.Orchestrator.MaxCostUSDPerExecution,
		MaxCostUSDPerEpic:      components.Config.Orchestrator.MaxCostUSDPerEpic,
	}, pgStore, components.Logger)

	scheduler := coord.NewScheduler(coordinator, pgStore, q, bus, graph, components.Logger)
	worker := coord.NewWorker(scheduler, coordinator, pgStore, registry, graph, budgetChecker, bus, components.Logger,
		components.Config.Orchestrator.NodeTimeout,
		coord.RetryPolicy{
			MaxRetries: components.Config.Orchestrator.MaxRetries,
			BaseDelay:  components.Config.Orchestrator.RetryBaseDelay,
			MaxDelay:   components.Config.Orchestrator.RetryMaxDelay,
		},
	)

	sweeper := recovery.NewSweeper(pgStore, scheduler, bus, components.Logger,
		components.Config.Orchestrator.ZombieThreshold,
		components.Config.Orchestrator.ZombieSweepInterval,
	)
	q.OnFailure(recovery.OnJobFailure(pgStore, scheduler, bus, components.Logger))

	limiter := ratelimit.NewRateLimiter(redisClient, components.Logger)

	errChan := make(chan error, 4)

	go func() {
		if err := q.Run(ctx, jobHandler(scheduler, worker)); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("job queue: %w", err)
		}
	}()
	go runDelayedPromoter(ctx, q, components.Logger)
	go sweeper.Run(ctx)

	e := setupEcho()
	setupMiddleware(e)
	registerRoutes(e, pgStore, scheduler, graph, limiter, bus)

	go func() {
		port := components.Config.Service.Port
		components.Logger.Info("starting orchestrator", "port", port)
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = e.Shutdown(shutdownCtx)
}

// jobHandler dispatches a queued job to the scheduler or worker by type
// (spec §6.1: the queue is a dumb transport, routing is the caller's job).
func jobHandler(scheduler *coord.Scheduler, worker *coord.Worker) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		switch job.Type {
		case coord.JobExecuteNode:
			executionID, _ := job.Args["execution_id"].(string)
			nodeID, _ := job.Args["node_id"].(string)
			retryCount, _ := toInt(job.Args["retry_count"])
			return worker.ExecuteNodeJob(ctx, executionID, nodeID, retryCount)
		case subworkflow.JobStartExecution:
			executionID, _ := job.Args["execution_id"].(string)
			return scheduler.StartExecution(ctx, executionID)
		default:
			return fmt.Errorf("orchestrator: unknown job type %q", job.Type)
		}
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func runDelayedPromoter(ctx context.Context, q *queue.Queue, logger interface {
	Error(msg string, keysAndValues ...interface{})
}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.PromoteDelayed(ctx); err != nil {
				logger.Error("orchestrator: failed to promote delayed jobs", "error", err)
			}
		}
	}
}

func newRedisClient() (*goredis.Client, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")
	return goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	}), nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// registerRoutes exposes the orchestrator's operational HTTP surface
// (spec §6.3's trigger/resume/interrupt operations): starting a new
// execution, resuming a suspended node, and requesting cancellation.
// Workflow/tag/run CRUD (the teacher's original routes) are out of scope
// here — the graph compiler and workflow registry are external
// collaborators (internal/ports).
func registerRoutes(e *echo.Echo, st store.Store, scheduler *coord.Scheduler, dispatcher ports.TopologyBuilder, limiter *ratelimit.RateLimiter, bus *events.Bus) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "orchestrator"})
	})

	e.POST("/executions", func(c echo.Context) error {
		var body struct {
			WorkflowID     string          `json:"workflow_id"`
			TriggerNodeID  *string         `json:"trigger_node_id,omitempty"`
			UserProfileID  string          `json:"user_profile_id"`
			TriggerPayload map[string]any  `json:"trigger_payload"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		topo, err := dispatcher.Build(c.Request().Context(), body.WorkflowID, body.TriggerNodeID)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		profile := ratelimit.InspectComponentTypes(componentTypes(topo))
		result, err := limiter.CheckTieredLimit(c.Request().Context(), body.UserProfileID, profile.Tier)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if !result.Allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate limit exceeded",
				"tier":        profile.Tier,
				"retry_after": result.RetryAfterSeconds,
			})
		}

		executionID := uuid.New().String()
		payloadRaw, err := marshalTriggerPayload(body.TriggerPayload)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		exec := &store.Execution{
			ExecutionID:    executionID,
			WorkflowID:     body.WorkflowID,
			TriggerNodeID:  body.TriggerNodeID,
			UserProfileID:  body.UserProfileID,
			Status:         store.StatusPending,
			TriggerPayload: payloadRaw,
		}
		if err := st.CreateExecution(c.Request().Context(), exec); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if err := scheduler.StartExecution(c.Request().Context(), executionID); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusAccepted, map[string]string{"execution_id": executionID})
	})

	e.POST("/executions/:execution_id/resume", func(c echo.Context) error {
		executionID := c.Param("execution_id")
		var body struct {
			UserInput string `json:"user_input"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err := scheduler.ResumeNode(c.Request().Context(), executionID, body.UserInput); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
	})

	// The request body is an RFC 6902 patch document applied to the
	// execution's cached topology snapshot (a mid-flight graph edit; the
	// compiler service remains the source of truth for future executions).
	e.POST("/executions/:execution_id/topology", func(c echo.Context) error {
		executionID := c.Param("execution_id")
		patchDoc, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err := scheduler.PatchTopology(c.Request().Context(), executionID, patchDoc); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "patched"})
	})

	e.POST("/executions/:execution_id/cancel", func(c echo.Context) error {
		executionID := c.Param("execution_id")
		reason := "cancelled by operator request"
		now := time.Now()
		err := st.Transition(c.Request().Context(), executionID, func(e *store.Execution) {
			e.Status = store.StatusCancelled
			e.CompletedAt = &now
			e.ErrorMessage = &reason
		})
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		bus.Lifecycle(c.Request().Context(), executionID, "", events.KindExecutionCancelled, map[string]string{"reason": reason})
		if err := scheduler.Cleanup(c.Request().Context(), executionID); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
	})

	e.GET("/executions/:execution_id", func(c echo.Context) error {
		exec, err := st.GetExecution(c.Request().Context(), c.Param("execution_id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, exec)
	})
}

// componentTypes flattens a compiled topology into the component-type list
// common/ratelimit tiers workflows by.
func componentTypes(topo *topology.Topology) []string {
	types := make([]string, 0, len(topo.Nodes))
	for _, n := range topo.Nodes {
		types = append(types, n.ComponentType)
	}
	return types
}

func marshalTriggerPayload(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}
