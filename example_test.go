package vecagent_test

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hupe1980/vecagent"
	"github.com/hupe1980/vecagent/config"
	"github.com/hupe1980/vecagent/model"
)

func exampleConfig() config.AgentIndexConfig {
	cfg, err := config.Parse([]byte(`
dimension: 3
enable_in_memory_mode: true
storage:
  type: memory
`), nil)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

// Example demonstrates the insert, build and search cycle.
func Example() {
	ctx := context.Background()

	agent, err := vecagent.New(ctx, exampleConfig(), vecagent.WithInitialDelay(0))
	if err != nil {
		log.Fatal(err)
	}
	defer agent.Close(ctx)

	_ = agent.Insert(ctx, model.VectorRecord{ID: "red", Vector: []float32{1, 0, 0}})
	_ = agent.Insert(ctx, model.VectorRecord{ID: "green", Vector: []float32{0, 1, 0}})

	// Accepted mutations become searchable with the next generation.
	if _, err := agent.Search(ctx, []float32{1, 0, 0}, vecagent.SearchConfig{K: 1}); errors.Is(err, vecagent.ErrNotFound) {
		fmt.Println("not indexed yet")
	}

	gen, err := agent.CreateIndex(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("generation %d: %d vectors\n", gen.Seq, gen.VectorCount)

	res, err := agent.Search(ctx, []float32{0.9, 0.1, 0}, vecagent.SearchConfig{K: 1})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res[0].ID)
	// Output:
	// not indexed yet
	// generation 1: 2 vectors
	// red
}

// ExampleCode shows how handler errors map onto gRPC status codes.
func ExampleCode() {
	ctx := context.Background()

	agent, err := vecagent.New(ctx, exampleConfig(), vecagent.WithInitialDelay(0))
	if err != nil {
		log.Fatal(err)
	}
	defer agent.Close(ctx)

	err = agent.Remove(ctx, "missing")
	fmt.Println(vecagent.Code(err))

	err = agent.Insert(ctx, model.VectorRecord{ID: "short", Vector: []float32{1}})
	fmt.Println(vecagent.Code(err))
	// Output:
	// NotFound
	// InvalidArgument
}
