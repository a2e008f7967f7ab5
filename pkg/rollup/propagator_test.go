package rollup

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
)

type fakeStore struct {
	byDelivery map[string]*models.ProjectRollup
	applyErr   error
	applied    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byDelivery: map[string]*models.ProjectRollup{}}
}

func (s *fakeStore) InsertPending(_ context.Context, r *models.ProjectRollup) (bool, error) {
	if _, exists := s.byDelivery[r.DeliveryID]; exists {
		return false, nil
	}
	copied := *r
	s.byDelivery[r.DeliveryID] = &copied
	return true, nil
}

func (s *fakeStore) Apply(_ context.Context, _, rollupID string) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, rollupID)
	return nil
}

func (s *fakeStore) ListPending(_ context.Context, _ int) ([]models.ProjectRollup, error) {
	var pending []models.ProjectRollup
	for _, r := range s.byDelivery {
		if r.Status == models.RollupStatusPending {
			pending = append(pending, *r)
		}
	}
	return pending, nil
}

type fakeQueue struct {
	published []string
	err       error
}

func (q *fakeQueue) PublishRollup(_ context.Context, r *models.ProjectRollup) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, r.ID)
	return nil
}

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyPerDelivery, ParsePolicy("per_delivery"))
	assert.Equal(t, PolicyOnCompletion, ParsePolicy("on_completion"))
	assert.Equal(t, PolicyOnCompletion, ParsePolicy(""))
	assert.Equal(t, PolicyOnCompletion, ParsePolicy("garbage"))
}

func TestStage_IdempotentPerDelivery(t *testing.T) {
	store := newFakeStore()
	p := NewPropagator(testLogger, store, nil, PolicyOnCompletion)
	ctx := context.Background()

	staged, err := p.Stage(ctx, "c1", "proj1", "o1", "d1", 120)
	require.NoError(t, err)
	require.NotNil(t, staged)
	assert.Equal(t, models.RollupStatusPending, staged.Status)
	assert.Equal(t, 120.0, staged.Amount)

	// A replayed completion for the same delivery stages nothing new.
	again, err := p.Stage(ctx, "c1", "proj1", "o1", "d1", 120)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, store.byDelivery, 1)
}

func TestDispatch_AppliesStagedRollup(t *testing.T) {
	store := newFakeStore()
	p := NewPropagator(testLogger, store, nil, PolicyOnCompletion)
	ctx := context.Background()

	staged, err := p.Stage(ctx, "c1", "proj1", "o1", "d1", 120)
	require.NoError(t, err)

	perr := p.Dispatch(ctx, staged)
	assert.Nil(t, perr)
	assert.Equal(t, []string{staged.ID}, store.applied)
}

func TestDispatch_FailureQueuesRetry(t *testing.T) {
	store := newFakeStore()
	store.applyErr = errors.New("connection reset")
	queue := &fakeQueue{}
	p := NewPropagator(testLogger, store, queue, PolicyOnCompletion)
	ctx := context.Background()

	staged, err := p.Stage(ctx, "c1", "proj1", "o1", "d1", 120)
	require.NoError(t, err)

	perr := p.Dispatch(ctx, staged)
	require.NotNil(t, perr)
	assert.Equal(t, staged.ID, perr.RollupID)
	assert.ErrorIs(t, perr, store.applyErr)
	assert.Equal(t, []string{staged.ID}, queue.published)

	// The row stays pending for the sweep.
	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDispatch_QueueFailureStillPending(t *testing.T) {
	store := newFakeStore()
	store.applyErr = errors.New("connection reset")
	queue := &fakeQueue{err: errors.New("redis down")}
	p := NewPropagator(testLogger, store, queue, PolicyOnCompletion)
	ctx := context.Background()

	staged, err := p.Stage(ctx, "c1", "proj1", "o1", "d1", 120)
	require.NoError(t, err)

	perr := p.Dispatch(ctx, staged)
	require.NotNil(t, perr)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
