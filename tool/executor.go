package tool

import (
	"context"
	"errors"
	"time"

	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	// Timeout bounds a single tool execution. Default 60s.
	Timeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Executor runs approved invocations against the Registry under a bounded
// execution timeout. An execution that outlives the timeout is forcibly
// terminated and reported as killed; every other failure is carried in the
// result so the conversation can continue.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   logging.Logger
}

// NewExecutor creates an Executor over a Registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		Timeout: 60 * time.Second,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{registry: registry, timeout: opts.Timeout, logger: opts.Logger}
}

// Execute runs one invocation to a terminal outcome. ctx carries the owning
// conversation's lifetime; its cancellation yields a cancelled outcome,
// while the executor's own deadline yields killed.
func (e *Executor) Execute(ctx context.Context, req core.ToolInvocationRequest) core.ToolExecutionResult {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.registry.Call(execCtx, req.ToolName, req.Arguments)

	result := core.ToolExecutionResult{
		CorrelationID: req.CorrelationID,
		ToolName:      req.ToolName,
	}
	switch {
	case err == nil:
		result.Outcome = core.ExecutionSucceeded
		result.Output = out
	case errors.Is(err, context.DeadlineExceeded) && execCtx.Err() != nil && ctx.Err() == nil:
		result.Outcome = core.ExecutionKilled
		result.Error = "execution timeout exceeded, tool terminated"
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		result.Outcome = core.ExecutionCancelled
		result.Error = "execution cancelled"
	default:
		result.Outcome = core.ExecutionFailed
		result.Error = err.Error()
	}

	e.logger.Info("tool execution finished",
		"tool", req.ToolName, "correlation_id", req.CorrelationID,
		"outcome", string(result.Outcome), "duration_ms", time.Since(start).Milliseconds())

	return result
}

// Timeout returns the configured execution timeout.
func (e *Executor) Timeout() time.Duration { return e.timeout }
