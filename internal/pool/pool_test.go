package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_ResultsInInputOrder(t *testing.T) {
	inputs := []int{5, 1, 4, 2, 3}
	out, err := Map(context.Background(), 3, inputs, func(_ context.Context, n int) (int, error) {
		// Later inputs finish first.
		time.Sleep(time.Duration(6-n) * time.Millisecond)
		return n * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 10, 40, 20, 30}, out)
}

func TestMap_CollectsEveryFailure(t *testing.T) {
	boom := errors.New("boom")
	inputs := []string{"a", "bad1", "b", "bad2"}
	out, err := Map(context.Background(), 2, inputs, func(_ context.Context, s string) (string, error) {
		if s[0] == 'b' && len(s) > 1 {
			return "", boom
		}
		return s + "!", nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a!", "", "b!", ""}, out)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 2)

	var first *TaskError[string]
	require.ErrorAs(t, merr.Errors[0], &first)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "bad1", first.Input)
	assert.ErrorIs(t, merr.Errors[1], boom)
}

func TestMap_RespectsLimit(t *testing.T) {
	var active, peak int32
	inputs := make([]int, 40)
	_, err := Map(context.Background(), 4, inputs, func(_ context.Context, _ int) (int, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return 0, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestMap_RecoversPanics(t *testing.T) {
	_, err := Map(context.Background(), 1, []int{1}, func(context.Context, int) (int, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestMap_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int32
	_, err := Map(ctx, 2, []int{1, 2, 3}, func(context.Context, int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestMap_Empty(t *testing.T) {
	out, err := Map(context.Background(), 0, nil, func(context.Context, int) (int, error) { return 0, nil })
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSize(t *testing.T) {
	assert.Equal(t, 3, Size(8, 3))
	assert.Equal(t, 8, Size(8, 100))
	assert.Equal(t, 0, Size(8, 0))
	assert.LessOrEqual(t, Size(0, 1000), MaxWorkers)
}
