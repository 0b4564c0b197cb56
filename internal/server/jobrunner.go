package server

import (
	"context"
	"log"
	"time"

	"openbacklog/internal/domain"
	"openbacklog/internal/engine"
	"openbacklog/internal/llm"
)

const (
	defaultJobPollInterval = 2 * time.Second
	defaultJobTimeout      = 2 * time.Minute
	defaultJobBatch        = 10

	jobRunnerActor = "llm-runner"
)

// StartJobRunner polls for pending improvement jobs and executes them against
// the configured LLM provider. Jobs created over HTTP with only a prompt stay
// pending until picked up here; failures land on the job itself.
func StartJobRunner(e engine.Engine) {
	if e.Config == nil || e.Config.LLM.Provider == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(defaultJobPollInterval)
		defer ticker.Stop()
		for range ticker.C {
			runPendingJobs(e)
		}
	}()
}

func runPendingJobs(e engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()
	jobs, err := e.ListImprovementJobs(ctx, e.Config.Workspace.ID, "pending", defaultJobBatch)
	if err != nil {
		log.Printf("job runner: list pending jobs: %v", err)
		return
	}
	for _, j := range jobs {
		runJob(ctx, e, j)
	}
}

func runJob(ctx context.Context, e engine.Engine, j domain.ImprovementJob) {
	runner, err := llm.New(e.Config.LLM)
	if err != nil {
		failJob(ctx, e, j.ID, err)
		return
	}
	snap, err := e.Snapshot(ctx, j.WorkspaceID)
	if err != nil {
		log.Printf("job runner: snapshot for %s: %v", j.ID, err)
		return
	}
	raw, _, err := runner.GenerateResult(ctx, j.Prompt, snap)
	if err != nil {
		failJob(ctx, e, j.ID, err)
		return
	}
	if _, err := e.CompleteImprovementJob(ctx, j.ID, raw, jobRunnerActor); err != nil {
		log.Printf("job runner: complete %s: %v", j.ID, err)
	}
}

func failJob(ctx context.Context, e engine.Engine, jobID string, cause error) {
	if _, err := e.FailImprovementJob(ctx, jobID, cause.Error(), jobRunnerActor); err != nil {
		log.Printf("job runner: fail %s: %v", jobID, err)
	}
}
