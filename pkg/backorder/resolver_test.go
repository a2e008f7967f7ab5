package backorder

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
)

// fakeStore keeps deliveries in memory, enforcing the single-open-backorder
// lookup the real repository performs.
type fakeStore struct {
	deliveries map[string]*models.Delivery
	creates    int
	updates    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{deliveries: map[string]*models.Delivery{}}
}

func (s *fakeStore) GetOpenBackorder(_ context.Context, companyID, orderID, productID string) (*models.Delivery, error) {
	for _, d := range s.deliveries {
		if d.CompanyID == companyID && d.OrderID == orderID && d.ProductID == productID && d.IsBackorder && d.IsOpen() {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Create(_ context.Context, d *models.Delivery) error {
	copied := *d
	s.deliveries[d.ID] = &copied
	s.creates++
	return nil
}

func (s *fakeStore) Update(_ context.Context, d *models.Delivery) error {
	copied := *d
	s.deliveries[d.ID] = &copied
	s.updates++
	return nil
}

func (s *fakeStore) openBackorders() []*models.Delivery {
	var open []*models.Delivery
	for _, d := range s.deliveries {
		if d.IsBackorder && d.IsOpen() {
			open = append(open, d)
		}
	}
	return open
}

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

func testLineItem() *models.OrderLineItem {
	return &models.OrderLineItem{
		ID:         "li-1",
		CompanyID:  "c1",
		OrderID:    "o1",
		ProductID:  "p1",
		OrderedQty: 10,
	}
}

func partialTrigger() *models.Delivery {
	return &models.Delivery{
		ID:        "d-trigger",
		CompanyID: "c1",
		OrderID:   "o1",
		ProductID: "p1",
		Status:    models.DeliveryStatusPartial,
	}
}

func TestResolve_CreatesPlaceholderForShortfall(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(testLogger, store)

	outcome, err := r.Resolve(context.Background(), testLineItem(), partialTrigger(), 7.5)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, outcome.Action)

	bo := outcome.Backorder
	require.NotNil(t, bo)
	assert.True(t, bo.IsBackorder)
	assert.Equal(t, models.DeliveryStatusPartial, bo.Status)
	assert.Equal(t, 7.5, bo.RemainingQty)
	assert.Equal(t, 0.0, bo.DeliveredQty)
	require.NotNil(t, bo.Note)
	assert.Equal(t, "Backorder remaining 7.5", *bo.Note)
}

func TestResolve_PlaceholderMirrorsPendingTrigger(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(testLogger, store)

	trigger := partialTrigger()
	trigger.Status = models.DeliveryStatusPending

	outcome, err := r.Resolve(context.Background(), testLineItem(), trigger, 3)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusPending, outcome.Backorder.Status)
}

func TestResolve_RefreshesSingleOpenPlaceholder(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(testLogger, store)
	ctx := context.Background()
	li := testLineItem()

	_, err := r.Resolve(ctx, li, partialTrigger(), 8)
	require.NoError(t, err)

	outcome, err := r.Resolve(ctx, li, partialTrigger(), 5)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, outcome.Action)
	assert.Equal(t, 5.0, outcome.Backorder.RemainingQty)
	assert.Equal(t, "Backorder remaining 5", *outcome.Backorder.Note)

	// Never a second open placeholder for the same (order, product).
	assert.Len(t, store.openBackorders(), 1)
	assert.Equal(t, 1, store.creates)
}

func TestResolve_SameRemainderIsNoop(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(testLogger, store)
	ctx := context.Background()
	li := testLineItem()

	_, err := r.Resolve(ctx, li, partialTrigger(), 4)
	require.NoError(t, err)
	updatesBefore := store.updates

	outcome, err := r.Resolve(ctx, li, partialTrigger(), 4)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, outcome.Action)
	assert.Equal(t, updatesBefore, store.updates)
}

func TestResolve_ClosesPlaceholderWhenFilled(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(testLogger, store)
	ctx := context.Background()
	li := testLineItem()

	_, err := r.Resolve(ctx, li, partialTrigger(), 6)
	require.NoError(t, err)

	outcome, err := r.Resolve(ctx, li, partialTrigger(), 0)
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, outcome.Action)
	assert.Equal(t, models.DeliveryStatusDelivered, outcome.Backorder.Status)
	assert.Equal(t, 0.0, outcome.Backorder.RemainingQty)
	assert.Equal(t, "Backorder remaining 0", *outcome.Backorder.Note)
	assert.NotNil(t, outcome.Backorder.DeliveredAt)

	assert.Empty(t, store.openBackorders())
}

func TestResolve_NoPlaceholderAndNoShortfall(t *testing.T) {
	store := newFakeStore()
	r := NewResolver(testLogger, store)

	outcome, err := r.Resolve(context.Background(), testLineItem(), partialTrigger(), 0)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, outcome.Action)
	assert.Nil(t, outcome.Backorder)
	assert.Equal(t, 0, store.creates)
}
