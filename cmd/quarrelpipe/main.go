// Command quarrelpipe loads a chunked fragment pipeline, drives one
// generation from a CLI prompt, and optionally serves it over Arrow
// Flight for the lifetime of the process. Grounded on the teacher's
// cmd/quarrel/main.go: same flag set shape, same resolve-then-load-then-
// generate sequencing, same signal handling and Prometheus metrics
// goroutine, adapted from a single-shot GGUF engine call to a streamed
// fragment pipeline plus the added Flight/health servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-pipeline/internal/demomodel"
	"github.com/23skdu/longbow-pipeline/internal/fragment"
	"github.com/23skdu/longbow-pipeline/internal/generator"
	"github.com/23skdu/longbow-pipeline/internal/logger"
	"github.com/23skdu/longbow-pipeline/internal/monitoring"
	"github.com/23skdu/longbow-pipeline/internal/pipeline"
	"github.com/23skdu/longbow-pipeline/internal/registry"
	"github.com/23skdu/longbow-pipeline/internal/tokenizer"
	"github.com/23skdu/longbow-pipeline/internal/transport"
)

var (
	pipelineName = flag.String("pipeline", "", "Pipeline name to resolve via the local registry (e.g. smollm2:135m), or a direct fragment directory")
	prompt       = flag.String("prompt", "Hello world", "Prompt to generate from")
	numTokens    = flag.Int("n", 20, "Number of tokens to generate")
	statusAddr   = flag.String("status-addr", ":9090", "Address to serve /health, /status, and /metrics")
	flightAddr   = flag.String("flight-addr", "", "Address to serve the Arrow Flight transport on; empty disables it")
	modelFactory = flag.String("model-factory", "demo", "Compiled-fragment loader to use: \"demo\" (bundled deterministic stand-in) or the name of a runtime registered via RegisterModelFactory")
)

// modelFactories is the model-factory extension point: the compiled
// fragment format is an opaque external collaborator (spec.md §1), so
// quarrelpipe never hardcodes a real loader. A deployment with a real
// runtime (CoreML, GGUF, etc.) registers it here, in its own init(), and
// selects it with --model-factory.
var modelFactories = map[string]fragment.ModelFactory{
	"demo": demomodel.Factory,
}

// RegisterModelFactory adds a named fragment.ModelFactory that
// --model-factory can select. Call from an init() in a build that links
// in a real compiled-artifact runtime.
func RegisterModelFactory(name string, f fragment.ModelFactory) {
	modelFactories[name] = f
}

func main() {
	flag.Parse()

	if *pipelineName == "" {
		fmt.Fprintln(os.Stderr, "Error: --pipeline flag is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info("quarrelpipe: interrupt received, shutting down")
		cancel()
	}()

	dir, err := registry.Resolve(*pipelineName)
	if err != nil {
		logger.Log.Info("quarrelpipe: not a registered pipeline name, trying as a direct directory", "name", *pipelineName, "error", err)
		dir = *pipelineName
	}

	// pipeline.Load has no default model factory (the compiled fragment
	// format is an opaque external collaborator per spec.md §1). quarrelpipe
	// ships demomodel.Factory as its "demo" choice so the binary runs
	// out of the box; a real deployment registers its own runtime with
	// RegisterModelFactory and selects it with --model-factory.
	factory, ok := modelFactories[*modelFactory]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown --model-factory %q\n", *modelFactory)
		os.Exit(1)
	}

	logger.Log.Info("quarrelpipe: loading pipeline", "dir", dir, "model_factory", *modelFactory)
	pl, err := pipeline.Load(ctx, dir, "model", func(status string, frac float64) {
		logger.Log.Debug("quarrelpipe: load progress", "status", status, "fraction", frac)
	}, pipeline.WithModelFactory(factory))
	if err != nil {
		logger.Log.Error("quarrelpipe: failed to load pipeline", "error", err)
		os.Exit(1)
	}

	mon := monitoring.NewServer(pl)
	go func() {
		if err := mon.ListenAndServe(ctx, *statusAddr); err != nil {
			logger.Log.Error("quarrelpipe: status server error", "error", err)
		}
	}()

	vocab := []string{} // a real deployment wires in the pipeline's actual vocabulary
	tok := tokenizer.NewWhitespaceTokenizer(vocab, 0)
	gen := generator.New(pl, tok)

	if *flightAddr != "" {
		srv := transport.NewFlightServer(gen)
		go func() {
			if err := transport.Serve(ctx, *flightAddr, srv); err != nil && ctx.Err() == nil {
				logger.Log.Error("quarrelpipe: flight server error", "error", err)
			}
		}()
	}

	start := time.Now()
	events, err := gen.Generate(ctx, *prompt, *numTokens)
	if err != nil {
		logger.Log.Error("quarrelpipe: generate failed", "error", err)
		os.Exit(1)
	}

	var text string
	count := 0
	for ev := range events {
		if ev.Err != nil {
			logger.Log.Error("quarrelpipe: generation stream error", "error", ev.Err)
			break
		}
		text = ev.Text
		count++
		mon.RecordToken(ev.LatencyMS)
	}

	duration := time.Since(start)
	tokensPerSec := 0.0
	if duration.Seconds() > 0 {
		tokensPerSec = float64(count) / duration.Seconds()
	}
	logger.Log.Info("quarrelpipe: generation complete",
		"tokens", count, "duration", duration, "tokens_per_sec", tokensPerSec)
	fmt.Println(text)
}
