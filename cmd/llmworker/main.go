// Command llmworker runs one external worker process that polls the
// orchestrator for "llm:anthropic" tasks and fulfills them against the
// Anthropic API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dshills/stateflow/workers/llmworker"
)

func main() {
	orchestratorURL := flag.String("orchestrator", "http://127.0.0.1:8080", "orchestrator base URL")
	workerID := flag.String("id", "", "worker id (defaults to a generated uuid)")
	modelName := flag.String("model", "", "Anthropic model name (empty uses the default)")
	flag.Parse()

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Fatal("llmworker: ANTHROPIC_API_KEY is required")
	}
	id := *workerID
	if id == "" {
		id = "llmworker-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := llmworker.NewAnthropicModel(apiKey, *modelName)
	worker := llmworker.New(*orchestratorURL, id, model)

	log.Printf("llmworker %s polling %s", id, *orchestratorURL)
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("llmworker: %v", err)
	}
}
