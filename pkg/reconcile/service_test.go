package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/backorder"
	ctxmiddleware "github.com/12313131dBossza/siteproc-fulfillment/pkg/context"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/database"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/events"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/progress"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/rollup"
)

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

// fakeTx satisfies database.Tx without touching a real connection.
type fakeTx struct {
	db       *fakeDB
	isClosed bool
}

func (t *fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) GetContext(context.Context, any, string, ...any) error {
	return errors.New("not implemented")
}
func (t *fakeTx) SelectContext(context.Context, any, string, ...any) error {
	return errors.New("not implemented")
}
func (t *fakeTx) QueryRowxContext(context.Context, string, ...any) *sqlx.Row { return nil }
func (t *fakeTx) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) IsOpen() bool { return !t.isClosed }
func (t *fakeTx) Commit(context.Context) error {
	if t.isClosed {
		return nil
	}
	t.isClosed = true
	t.db.mu.Lock()
	t.db.commits++
	t.db.mu.Unlock()
	return nil
}
func (t *fakeTx) Rollback(context.Context) error {
	if t.isClosed {
		return nil
	}
	t.isClosed = true
	t.db.mu.Lock()
	t.db.rollbacks++
	t.db.mu.Unlock()
	return nil
}

type fakeDB struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (d *fakeDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDB) GetContext(context.Context, any, string, ...any) error {
	return errors.New("not implemented")
}
func (d *fakeDB) SelectContext(context.Context, any, string, ...any) error {
	return errors.New("not implemented")
}
func (d *fakeDB) QueryRowxContext(context.Context, string, ...any) *sqlx.Row { return nil }
func (d *fakeDB) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDB) BeginTxx(context.Context, *sql.TxOptions) (*sqlx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDB) PingContext(context.Context) error { return nil }
func (d *fakeDB) Close() error                      { return nil }
func (d *fakeDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &fakeTx{db: d}, nil
}

// fakeOrders backs the order store with a version check matching the real
// repository's optimistic predicate.
type fakeOrders struct {
	mu            sync.Mutex
	order         *models.PurchaseOrder
	items         map[string]*models.OrderLineItem
	conflictsLeft int
}

func (s *fakeOrders) Get(_ context.Context, _, _ string) (*models.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.order
	return &copied, nil
}

func (s *fakeOrders) GetLineItems(_ context.Context, _, _ string) ([]models.OrderLineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.OrderLineItem
	for _, li := range s.items {
		items = append(items, *li)
	}
	return items, nil
}

func (s *fakeOrders) GetLineItemForUpdate(_ context.Context, _, _, productID string) (*models.OrderLineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.items[productID]
	if !ok {
		return nil, errors.New("line item not found")
	}
	copied := *li
	return &copied, nil
}

func (s *fakeOrders) UpdateLineItemDelivered(_ context.Context, li *models.OrderLineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		return &models.ConcurrencyConflictError{LineItemID: li.ID}
	}
	stored := s.items[li.ProductID]
	if stored.Version != li.Version {
		return &models.ConcurrencyConflictError{LineItemID: li.ID}
	}
	stored.DeliveredQty = li.DeliveredQty
	stored.UpdatedAt = li.UpdatedAt
	stored.Version++
	li.Version++
	return nil
}

func (s *fakeOrders) UpdateProgress(_ context.Context, order *models.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.order = &copied
	return nil
}

type fakeDeliveries struct {
	mu         sync.Mutex
	deliveries map[string]*models.Delivery
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{deliveries: map[string]*models.Delivery{}}
}

func (s *fakeDeliveries) Get(_ context.Context, _, id string) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, errors.New("delivery not found")
	}
	copied := *d
	return &copied, nil
}

func (s *fakeDeliveries) GetOpenBackorder(_ context.Context, companyID, orderID, productID string) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.CompanyID == companyID && d.OrderID == orderID && d.ProductID == productID && d.IsBackorder && d.IsOpen() {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeDeliveries) Create(_ context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.deliveries[d.ID] = &copied
	return nil
}

func (s *fakeDeliveries) Update(_ context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.deliveries[d.ID] = &copied
	return nil
}

func (s *fakeDeliveries) openBackorder(productID string) *models.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.ProductID == productID && d.IsBackorder && d.IsOpen() {
			copied := *d
			return &copied
		}
	}
	return nil
}

type fakeRollupStore struct {
	mu         sync.Mutex
	byDelivery map[string]*models.ProjectRollup
	applied    []string
}

func newFakeRollupStore() *fakeRollupStore {
	return &fakeRollupStore{byDelivery: map[string]*models.ProjectRollup{}}
}

func (s *fakeRollupStore) InsertPending(_ context.Context, r *models.ProjectRollup) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byDelivery[r.DeliveryID]; exists {
		return false, nil
	}
	copied := *r
	s.byDelivery[r.DeliveryID] = &copied
	return true, nil
}

func (s *fakeRollupStore) Apply(_ context.Context, _, rollupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, rollupID)
	return nil
}

func (s *fakeRollupStore) ListPending(_ context.Context, _ int) ([]models.ProjectRollup, error) {
	return nil, nil
}

type fixture struct {
	svc        *Service
	db         *fakeDB
	orders     *fakeOrders
	deliveries *fakeDeliveries
	rollups    *fakeRollupStore
}

func newFixture(policy rollup.Policy) *fixture {
	projectID := "proj1"
	orders := &fakeOrders{
		order: &models.PurchaseOrder{
			ID:               "o1",
			CompanyID:        "c1",
			ProjectID:        &projectID,
			OrderNumber:      "PO-1001",
			Status:           models.OrderStatusApproved,
			DeliveryProgress: models.ProgressNotStarted,
			TotalAmount:      50,
		},
		items: map[string]*models.OrderLineItem{
			"p1": {
				ID:          "li-1",
				CompanyID:   "c1",
				OrderID:     "o1",
				ProductID:   "p1",
				ProductName: "rebar",
				Unit:        "ton",
				OrderedQty:  10,
				UnitPrice:   5,
			},
		},
	}
	deliveries := newFakeDeliveries()
	rollups := newFakeRollupStore()
	db := &fakeDB{}

	svc := NewService(
		testLogger,
		db,
		orders,
		deliveries,
		backorder.NewResolver(testLogger, deliveries),
		progress.NewSynchronizer(testLogger, orders),
		rollup.NewPropagator(testLogger, rollups, nil, policy),
		events.NewEmitter(nil, testLogger),
	)

	return &fixture{svc: svc, db: db, orders: orders, deliveries: deliveries, rollups: rollups}
}

func requestContext(role models.Role) context.Context {
	ctx := context.Background()
	ctx = ctxmiddleware.SetCompanyID(ctx, "c1")
	ctx = ctxmiddleware.SetActorID(ctx, "u1")
	ctx = ctxmiddleware.SetRole(ctx, role)
	return ctx
}

func strptr(s string) *string { return &s }

func TestRecordDelivery_PartialShortfall(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleForeman)

	result, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID:      "o1",
		ProductID:    "p1",
		DeliveredQty: 4,
		Status:       models.DeliveryStatusPartial,
		DriverName:   strptr("Ray"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.DeliveryStatusPartial, result.Delivery.Status)
	assert.Equal(t, 4.0, result.Delivery.DeliveredQty)
	require.NotNil(t, result.Delivery.CreatedBy)
	assert.Equal(t, "u1", *result.Delivery.CreatedBy)

	// Ledger applied.
	assert.Equal(t, 4.0, f.orders.items["p1"].DeliveredQty)

	// Backorder placeholder carries the remainder.
	require.NotNil(t, result.Backorder)
	assert.Equal(t, backorder.ActionCreated, result.Backorder.Action)
	bo := f.deliveries.openBackorder("p1")
	require.NotNil(t, bo)
	assert.Equal(t, 6.0, bo.RemainingQty)
	assert.Equal(t, "Backorder remaining 6", *bo.Note)

	// Order aggregates resynced.
	assert.Equal(t, models.ProgressPartiallyDelivered, result.Order.DeliveryProgress)
	assert.Equal(t, 4.0, result.Order.DeliveredQty)
	assert.Equal(t, 20.0, result.Order.DeliveredValue)

	// No completion yet, so nothing staged under on_completion.
	assert.Empty(t, f.rollups.byDelivery)
	assert.Equal(t, 1, f.db.commits)
	assert.Equal(t, 0, f.db.rollbacks)
}

func TestRecordDelivery_CompletionClosesBackorderAndRollsUp(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleForeman)

	_, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
		Status: models.DeliveryStatusPartial, DriverName: strptr("Ray"),
	})
	require.NoError(t, err)

	result, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 6,
		Status: models.DeliveryStatusDelivered, SignerName: strptr("Sam"),
	})
	require.NoError(t, err)

	require.NotNil(t, result.Backorder)
	assert.Equal(t, backorder.ActionClosed, result.Backorder.Action)
	assert.Nil(t, f.deliveries.openBackorder("p1"))

	assert.Equal(t, models.ProgressCompleted, result.Order.DeliveryProgress)
	assert.Equal(t, models.OrderStatusComplete, result.Order.Status)
	assert.True(t, result.Summary.JustCompleted)

	// One rollup for the full delivered value, applied post-commit.
	require.Len(t, f.rollups.byDelivery, 1)
	staged := f.rollups.byDelivery[result.Delivery.ID]
	require.NotNil(t, staged)
	assert.Equal(t, 50.0, staged.Amount)
	assert.Equal(t, []string{staged.ID}, f.rollups.applied)
}

func TestRecordDelivery_PerDeliveryPolicyStagesEachEvent(t *testing.T) {
	f := newFixture(rollup.PolicyPerDelivery)
	ctx := requestContext(models.RoleForeman)

	r1, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
		Status: models.DeliveryStatusPartial, DriverName: strptr("Ray"),
	})
	require.NoError(t, err)
	r2, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 2,
		Status: models.DeliveryStatusPartial, DriverName: strptr("Ray"),
	})
	require.NoError(t, err)

	require.Len(t, f.rollups.byDelivery, 2)
	assert.Equal(t, 20.0, f.rollups.byDelivery[r1.Delivery.ID].Amount)
	assert.Equal(t, 10.0, f.rollups.byDelivery[r2.Delivery.ID].Amount)
	assert.Len(t, f.rollups.applied, 2)
}

func TestRecordDelivery_RoleGate(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleMember)

	_, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
	})
	assert.True(t, models.IsPermissionError(err))
	assert.Equal(t, 0, f.db.commits)
	assert.Equal(t, 0.0, f.orders.items["p1"].DeliveredQty)
}

func TestRecordDelivery_OverDeliveryRollsBack(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleForeman)

	_, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 11,
	})
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))

	assert.Equal(t, 0, f.db.commits)
	assert.Equal(t, 1, f.db.rollbacks)
	assert.Equal(t, 0.0, f.orders.items["p1"].DeliveredQty)
	assert.Empty(t, f.deliveries.deliveries)
}

func TestRecordDelivery_RetriesVersionRace(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	f.orders.conflictsLeft = 2
	ctx := requestContext(models.RoleForeman)

	result, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result.Delivery.DeliveredQty)
	assert.Equal(t, 2, f.db.rollbacks)
	assert.Equal(t, 1, f.db.commits)
}

func TestRecordDelivery_GivesUpAfterBoundedRetries(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	f.orders.conflictsLeft = 10
	ctx := requestContext(models.RoleForeman)

	_, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
	})
	require.Error(t, err)
	assert.True(t, models.IsConcurrencyConflictError(err))
	assert.Equal(t, 0, f.db.commits)
	assert.Equal(t, 3, f.db.rollbacks)
}

func TestRecordDelivery_ConcurrentEventsSerialize(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleForeman)

	// Three contenders: a loser sees at most two conflicts, so everyone
	// lands within the retry bound.
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
				OrderID: "o1", ProductID: "p1", DeliveredQty: 2,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}
	// The version predicate guarantees no event is lost or double-applied.
	assert.Equal(t, 6.0, f.orders.items["p1"].DeliveredQty)
}

func TestTransitionDelivery_HappyPath(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleForeman)

	created, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
	})
	require.NoError(t, err)

	result, err := f.svc.TransitionDelivery(ctx, created.Delivery.ID, TransitionDeliveryRequest{
		Status:     models.DeliveryStatusPartial,
		DriverName: strptr("Ray"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusPartial, result.Delivery.Status)

	result, err = f.svc.TransitionDelivery(ctx, created.Delivery.ID, TransitionDeliveryRequest{
		Status:     models.DeliveryStatusDelivered,
		SignerName: strptr("Sam"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, result.Delivery.Status)
	assert.NotNil(t, result.Delivery.DeliveredAt)
}

func TestTransitionDelivery_DeliveredIsLocked(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	ctx := requestContext(models.RoleForeman)

	created, err := f.svc.RecordDelivery(ctx, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
		Status: models.DeliveryStatusDelivered, SignerName: strptr("Sam"),
	})
	require.NoError(t, err)

	_, err = f.svc.TransitionDelivery(ctx, created.Delivery.ID, TransitionDeliveryRequest{
		Status:     models.DeliveryStatusPartial,
		DriverName: strptr("Ray"),
	})
	assert.True(t, models.IsDeliveryLockedError(err))
}

func TestArchiveDelivery_ReversesLedgerAndResyncs(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	foreman := requestContext(models.RoleForeman)
	manager := requestContext(models.RoleManager)

	created, err := f.svc.RecordDelivery(foreman, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
		Status: models.DeliveryStatusPartial, DriverName: strptr("Ray"),
	})
	require.NoError(t, err)

	result, err := f.svc.ArchiveDelivery(manager, created.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusArchived, result.Delivery.Status)
	assert.NotNil(t, result.Delivery.ArchivedAt)

	// Quantity reversed and progress back to not started.
	assert.Equal(t, 0.0, f.orders.items["p1"].DeliveredQty)
	assert.Equal(t, models.ProgressNotStarted, f.orders.order.DeliveryProgress)

	// The open backorder placeholder now covers the whole line again.
	bo := f.deliveries.openBackorder("p1")
	require.NotNil(t, bo)
	assert.Equal(t, 10.0, bo.RemainingQty)
}

func TestArchiveDelivery_RoleGates(t *testing.T) {
	f := newFixture(rollup.PolicyOnCompletion)
	foreman := requestContext(models.RoleForeman)

	created, err := f.svc.RecordDelivery(foreman, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 4,
	})
	require.NoError(t, err)

	_, err = f.svc.ArchiveDelivery(foreman, created.Delivery.ID)
	assert.True(t, models.IsPermissionError(err))

	delivered, err := f.svc.RecordDelivery(foreman, RecordDeliveryRequest{
		OrderID: "o1", ProductID: "p1", DeliveredQty: 2,
		Status: models.DeliveryStatusDelivered, SignerName: strptr("Sam"),
	})
	require.NoError(t, err)

	// A delivered record is locked against managers; admins may override.
	_, err = f.svc.ArchiveDelivery(requestContext(models.RoleManager), delivered.Delivery.ID)
	assert.True(t, models.IsDeliveryLockedError(err))

	result, err := f.svc.ArchiveDelivery(requestContext(models.RoleAdmin), delivered.Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusArchived, result.Delivery.Status)
	assert.Equal(t, 4.0, f.orders.items["p1"].DeliveredQty)
}
