package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts embedded chunks reported by completed sources.
func ExampleHub_Emit() {
	var chunks int
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second},
		sinkFunc(func(_ context.Context, batch []Event) error {
			for _, evt := range batch {
				chunks += evt.Chunks
			}
			return nil
		}))

	hub.Emit(Event{TS: time.Unix(0, 0), Stage: StageSourceCompleted, SourceID: "a", Chunks: 3})
	hub.Emit(Event{TS: time.Unix(0, 0), Stage: StageSourceCompleted, SourceID: "b", Chunks: 4})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("chunks embedded: %d\n", chunks)
	// Output:
	// chunks embedded: 7
}
