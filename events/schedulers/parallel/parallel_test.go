package parallel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/models"
)

func TestPerKeySerialization(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string][]string{}
	inFlight := map[string]bool{}

	sched := NewScheduler(8, "test", func(ctx context.Context, key string, evt *events.StreamEvent) error {
		mu.Lock()
		if inFlight[key] {
			mu.Unlock()
			t.Errorf("concurrent work for key %s", key)
			return nil
		}
		inFlight[key] = true
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight[key] = false
		seen[key] = append(seen[key], evt.NoteCreated.ID)
		mu.Unlock()
		return nil
	})

	keys := []string{"a", "b", "c"}
	for i := 0; i < 10; i++ {
		id := string(rune('0' + i))
		for _, k := range keys {
			evt := &events.StreamEvent{NoteCreated: &models.PackedNote{ID: id}}
			require.NoError(t, sched.AddWork(ctx, k, evt))
		}
	}

	sched.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		require.Len(t, seen[k], 10, "key %s", k)
		for i, id := range seen[k] {
			assert.Equal(t, string(rune('0'+i)), id, "key %s out of order", k)
		}
	}
}

func TestShutdownDrains(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	count := 0

	sched := NewScheduler(2, "test-drain", func(ctx context.Context, key string, evt *events.StreamEvent) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 20; i++ {
		evt := &events.StreamEvent{NoteCreated: &models.PackedNote{ID: "n"}}
		require.NoError(t, sched.AddWork(ctx, "k", evt))
	}

	sched.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, count)
}
