package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-scm/meridian/internal/ledger"
	"github.com/meridian-scm/meridian/internal/shared"
)

type memoryLedgerRepo struct {
	mu      sync.Mutex
	entries map[ledger.Key]ledger.Entry
	nextID  int64
	// failCommits makes the next N commits fail with a serialization
	// conflict, as postgres would under repeatable read.
	failCommits int
}

type memoryLedgerTx struct {
	repo   *memoryLedgerRepo
	staged map[ledger.Key]ledger.Entry
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{entries: make(map[ledger.Key]ledger.Entry)}
}

func (r *memoryLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryLedgerTx{repo: r, staged: make(map[ledger.Key]ledger.Entry)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.failCommits > 0 {
		r.failCommits--
		return fmt.Errorf("%w: could not serialize access", shared.ErrConcurrencyConflict)
	}
	for key, entry := range tx.staged {
		r.entries[key] = entry
	}
	return nil
}

func (r *memoryLedgerRepo) GetEntry(ctx context.Context, key ledger.Key) (ledger.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry, nil
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (r *memoryLedgerRepo) ListMovements(ctx context.Context, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	return nil, nil
}

func (r *memoryLedgerRepo) ListBelowReorder(ctx context.Context, supplierID int64) ([]ledger.ReorderCandidate, error) {
	return nil, nil
}

func (tx *memoryLedgerTx) GetEntryForUpdate(ctx context.Context, key ledger.Key) (ledger.Entry, error) {
	if entry, ok := tx.staged[key]; ok {
		return entry, nil
	}
	if entry, ok := tx.repo.entries[key]; ok {
		return entry, nil
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (tx *memoryLedgerTx) UpsertEntry(ctx context.Context, entry ledger.Entry) error {
	tx.staged[entry.Key()] = entry
	return nil
}

func (tx *memoryLedgerTx) InsertMovement(ctx context.Context, movement ledger.Movement) (int64, error) {
	tx.repo.nextID++
	return tx.repo.nextID, nil
}

type memoryOrderRepo struct {
	mu          sync.Mutex
	orders      map[int64]CustomerOrder
	allocations map[int64][]Allocation
	nextID      int64
	failInsert  bool
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: make(map[int64]CustomerOrder), allocations: make(map[int64][]Allocation)}
}

func (r *memoryOrderRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, r)
}

func (r *memoryOrderRepo) GetOrder(ctx context.Context, orderID int64) (CustomerOrder, []Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return CustomerOrder{}, nil, ErrInvalidOrder
	}
	return order, r.allocations[orderID], nil
}

func (r *memoryOrderRepo) InsertOrder(ctx context.Context, order CustomerOrder) (int64, error) {
	if r.failInsert {
		return 0, errors.New("connection reset by peer")
	}
	r.nextID++
	order.ID = r.nextID
	r.orders[order.ID] = order
	return order.ID, nil
}

func (r *memoryOrderRepo) InsertAllocation(ctx context.Context, alloc Allocation) (int64, error) {
	r.nextID++
	alloc.ID = r.nextID
	r.allocations[alloc.OrderID] = append(r.allocations[alloc.OrderID], alloc)
	return alloc.ID, nil
}

func newTestFixture(t *testing.T) (*Service, *ledger.Service, *memoryLedgerRepo) {
	t.Helper()
	ledgerRepo := newMemoryLedgerRepo()
	ledgerService := ledger.NewService(ledgerRepo, nil, nil, nil, ledger.ServiceConfig{})
	svc := NewService(ledgerService, newMemoryOrderRepo(), nil, nil, nil, nil)
	return svc, ledgerService, ledgerRepo
}

func seedStock(t *testing.T, svc *ledger.Service, productID, available int64) {
	t.Helper()
	_, err := svc.Seed(context.Background(), ledger.Entry{
		ProductID:   productID,
		WarehouseID: 1,
		OnHand:      available,
		Available:   available,
	})
	require.NoError(t, err)
}

func TestProcessOrderFullAllocation(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)
	seedStock(t, ledgerService, 2, 4)

	result, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines: []OrderLineInput{
			{ProductID: 1, SKU: "A", Qty: 6},
			{ProductID: 2, SKU: "B", Qty: 4},
		},
	}, Options{})
	require.NoError(t, err)
	require.True(t, result.Summary.FullyAllocated)
	require.Zero(t, result.Summary.BackorderedItems)
	require.Equal(t, OrderAllocated, result.Order.Status)
	require.Len(t, result.Allocations, 2)
	for _, alloc := range result.Allocations {
		require.Equal(t, LineAllocated, alloc.Status)
		require.Equal(t, alloc.Requested, alloc.Allocated)
	}

	entry, err := ledgerService.GetEntry(ctx, ledger.Key{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.OnHand)
	require.Equal(t, int64(4), entry.Available)
	require.Equal(t, int64(6), entry.Reserved)
}

func TestProcessOrderPartialWithBackorders(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 3)

	result, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 5}},
	}, Options{AllowBackorders: true})
	require.NoError(t, err)
	require.False(t, result.Summary.FullyAllocated)
	require.Equal(t, 1, result.Summary.BackorderedItems)
	require.Equal(t, OrderBackorder, result.Order.Status)
	alloc := result.Allocations[0]
	require.Equal(t, LineBackorder, alloc.Status)
	require.Equal(t, int64(3), alloc.Allocated)
	require.Equal(t, int64(2), alloc.Backordered)

	entry, err := ledgerService.GetEntry(ctx, ledger.Key{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.Available)
	require.Equal(t, int64(3), entry.Reserved)
}

func TestProcessOrderRejectedWithoutBackorders(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)
	seedStock(t, ledgerService, 2, 3)

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines: []OrderLineInput{
			{ProductID: 1, SKU: "A", Qty: 6},
			{ProductID: 2, SKU: "B", Qty: 5},
		},
	}, Options{AllowBackorders: false})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Whole-order atomicity: the first line's reservation rolled back too.
	entry, err := ledgerService.GetEntry(ctx, ledger.Key{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)
}

func TestProcessOrderValidation(t *testing.T) {
	svc, _, _ := newTestFixture(t)
	ctx := context.Background()

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{WarehouseID: 1}, Options{})
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, Qty: 0}},
	}, Options{})
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestReturnRestoresStockWithoutTouchingReserved(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 4}},
	}, Options{})
	require.NoError(t, err)

	movement, entry, err := svc.ProcessReturn(ctx, ReturnInput{ProductID: 1, WarehouseID: 1, Qty: 2, Reference: "RMA-1"})
	require.NoError(t, err)
	require.Equal(t, ledger.MovementReturn, movement.Type)
	require.Equal(t, int64(12), entry.OnHand)
	require.Equal(t, int64(8), entry.Available)
	require.Equal(t, int64(4), entry.Reserved)
}

func TestAllocateThenReturnRoundTrip(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 4}},
	}, Options{})
	require.NoError(t, err)

	// Ship the reservation, then the customer returns everything.
	_, err = svc.ConfirmShipment(ctx, ShipmentInput{ProductID: 1, WarehouseID: 1, Qty: 4, Reference: "SHP-1"})
	require.NoError(t, err)
	_, entry, err := svc.ProcessReturn(ctx, ReturnInput{ProductID: 1, WarehouseID: 1, Qty: 4, Reference: "RMA-1"})
	require.NoError(t, err)

	require.Equal(t, int64(10), entry.OnHand)
	require.Equal(t, int64(10), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)
	require.Equal(t, entry.OnHand, entry.Available+entry.Reserved)
}

func TestReleaseAllocation(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 4}},
	}, Options{})
	require.NoError(t, err)

	entry, err := svc.ReleaseAllocation(ctx, ReleaseInput{ProductID: 1, WarehouseID: 1, Qty: 4, Reference: "SO-CXL"})
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)
	require.Equal(t, int64(10), entry.OnHand)
}

func TestFailedOrderPersistReleasesReservations(t *testing.T) {
	ledgerRepo := newMemoryLedgerRepo()
	ledgerService := ledger.NewService(ledgerRepo, nil, nil, nil, ledger.ServiceConfig{})
	orderRepo := newMemoryOrderRepo()
	orderRepo.failInsert = true
	svc := NewService(ledgerService, orderRepo, nil, nil, nil, nil)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 4}},
	}, Options{})
	require.Error(t, err)

	// The order row never landed, so its reservation must not survive.
	require.Empty(t, orderRepo.orders)
	entry, err := ledgerService.GetEntry(ctx, ledger.Key{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)
	require.Equal(t, int64(10), entry.OnHand)
}

func TestConflictExhaustionDoesNotRecordRejection(t *testing.T) {
	ledgerRepo := newMemoryLedgerRepo()
	ledgerService := ledger.NewService(ledgerRepo, nil, nil, nil, ledger.ServiceConfig{})
	orderRepo := newMemoryOrderRepo()
	svc := NewService(ledgerService, orderRepo, nil, nil, nil, nil)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 10)
	ledgerRepo.failCommits = 99

	_, err := svc.ProcessCustomerOrder(ctx, OrderInput{
		WarehouseID: 1,
		Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 4}},
	}, Options{})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	// A transient conflict is retryable; it must not be stored as a
	// business rejection of the order.
	require.Empty(t, orderRepo.orders)
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 1)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ProcessCustomerOrder(ctx, OrderInput{
				WarehouseID: 1,
				Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 1}},
			}, Options{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientStock)
		}
	}
	require.Equal(t, 1, succeeded)

	entry, err := ledgerService.GetEntry(ctx, ledger.Key{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(0), entry.Available)
	require.Equal(t, int64(1), entry.Reserved)
	require.Equal(t, int64(1), entry.OnHand)
	require.Equal(t, entry.OnHand, entry.Available+entry.Reserved)
}

func TestConcurrentBackordersConserveStock(t *testing.T) {
	svc, ledgerService, _ := newTestFixture(t)
	ctx := context.Background()
	seedStock(t, ledgerService, 1, 5)

	const workers = 2
	var wg sync.WaitGroup
	results := make([]OrderResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ProcessCustomerOrder(ctx, OrderInput{
				WarehouseID: 1,
				Lines:       []OrderLineInput{{ProductID: 1, SKU: "A", Qty: 4}},
			}, Options{AllowBackorders: true})
		}(i)
	}
	wg.Wait()

	var allocated int64
	backordered := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		allocated += results[i].Allocations[0].Allocated
		if !results[i].Summary.FullyAllocated {
			backordered++
		}
	}
	// 8 units requested against 5 on hand: everything allocatable is
	// reserved exactly once and at least one order goes to backorder.
	require.Equal(t, int64(5), allocated)
	require.GreaterOrEqual(t, backordered, 1)

	entry, err := ledgerService.GetEntry(ctx, ledger.Key{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(5), entry.OnHand)
	require.Equal(t, int64(5), entry.Reserved)
	require.Equal(t, int64(0), entry.Available)
	require.Equal(t, entry.OnHand, entry.Available+entry.Reserved)
}
