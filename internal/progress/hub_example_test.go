package progress

import (
	"context"
	"fmt"
	"time"
)

type countingSink struct {
	records int64
}

func (s *countingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.records += evt.Records
	}
	return nil
}

func (s *countingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting page events and flushing via Close.
func ExampleHub_Emit() {
	sink := &countingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	for page, records := range []int64{50, 42} {
		hub.Emit(Event{
			RunID:    "run-1",
			TS:       time.Unix(0, 0),
			Stage:    StagePageDone,
			SourceID: "aoc-es",
			Page:     page + 1,
			Records:  records,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records parsed: %d\n", sink.records)
	// Output:
	// records parsed: 92
}
