package timing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestStart_EmitsMatchingStartAndFinish(t *testing.T) {
	rec := &recorder{}
	ctx := WithObserver(context.Background(), rec)

	_, finish := Start(ctx, "pull-manifest")
	finish()

	require.Len(t, rec.events, 2)
	assert.Equal(t, "pull-manifest", rec.events[0].Label)
	assert.Equal(t, PhaseStart, rec.events[0].Phase)
	assert.Equal(t, "pull-manifest", rec.events[1].Label)
	assert.Equal(t, PhaseFinish, rec.events[1].Phase)
	assert.NotEqual(t, "INVALID", rec.events[1].Label)
}

func TestStart_NestedLabelsAreHierarchical(t *testing.T) {
	rec := &recorder{}
	ctx := WithObserver(context.Background(), rec)

	ctx, finishOuter := Start(ctx, "pipeline")
	_, finishInner := Start(ctx, "pull-base-layer")
	finishInner()
	finishOuter()

	assert.Equal(t, "pipeline", rec.events[0].Label)
	assert.Equal(t, "pipeline/pull-base-layer", rec.events[1].Label)
	assert.Equal(t, "pipeline/pull-base-layer", rec.events[2].Label)
	assert.Equal(t, "pipeline", rec.events[3].Label)
}

func TestStart_DuplicateLabelsGetDistinctInstances(t *testing.T) {
	rec := &recorder{}
	ctx := WithObserver(context.Background(), rec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, finish := Start(ctx, "pull-base-layer")
			defer finish()
		}()
	}
	wg.Wait()

	instances := map[int]bool{}
	for _, e := range rec.events {
		if e.Phase == PhaseStart {
			instances[e.Instance] = true
		}
	}
	assert.Len(t, instances, 4)
}

func TestFinish_IsIdempotent(t *testing.T) {
	rec := &recorder{}
	ctx := WithObserver(context.Background(), rec)

	_, finish := Start(ctx, "step")
	finish()
	finish()

	assert.Len(t, rec.events, 2)
}

func TestStart_NoObserverIsNoOp(t *testing.T) {
	_, finish := Start(context.Background(), "step")
	finish()
}
