package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-scm/meridian/internal/shared"
)

type memoryRepo struct {
	mu          sync.Mutex
	entries     map[Key]Entry
	movements   []Movement
	nextID      int64
	failCommits int
	suppliers   map[int64]int64
	skus        map[int64]string
}

type memoryTx struct {
	repo      *memoryRepo
	staged    map[Key]Entry
	movements []Movement
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		entries:   make(map[Key]Entry),
		suppliers: make(map[int64]int64),
		skus:      make(map[int64]string),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, staged: make(map[Key]Entry)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.failCommits > 0 {
		r.failCommits--
		return fmt.Errorf("%w: simulated serialization failure", shared.ErrConcurrencyConflict)
	}
	for key, entry := range tx.staged {
		r.entries[key] = entry
	}
	r.movements = append(r.movements, tx.movements...)
	return nil
}

func (r *memoryRepo) GetEntry(ctx context.Context, key Key) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry, nil
	}
	return Entry{}, ErrEntryNotFound
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []Movement
	for _, m := range r.movements {
		if m.ProductID != filter.ProductID || m.WarehouseID != filter.WarehouseID {
			continue
		}
		if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.CreatedAt.After(filter.To) {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

func (r *memoryRepo) ListBelowReorder(ctx context.Context, supplierID int64) ([]ReorderCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []ReorderCandidate
	for _, entry := range r.entries {
		if r.suppliers[entry.ProductID] != supplierID {
			continue
		}
		if entry.Available > entry.ReorderPoint {
			continue
		}
		result = append(result, ReorderCandidate{
			ProductID:        entry.ProductID,
			SKU:              r.skus[entry.ProductID],
			WarehouseID:      entry.WarehouseID,
			Available:        entry.Available,
			ReorderPoint:     entry.ReorderPoint,
			ReorderQty:       entry.ReorderQty,
			LastPurchaseCost: entry.LastPurchaseCost,
		})
	}
	return result, nil
}

func (tx *memoryTx) GetEntryForUpdate(ctx context.Context, key Key) (Entry, error) {
	if entry, ok := tx.staged[key]; ok {
		return entry, nil
	}
	if entry, ok := tx.repo.entries[key]; ok {
		return entry, nil
	}
	return Entry{}, ErrEntryNotFound
}

func (tx *memoryTx) UpsertEntry(ctx context.Context, entry Entry) error {
	tx.staged[entry.Key()] = entry
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	tx.repo.nextID++
	movement.ID = tx.repo.nextID
	tx.movements = append(tx.movements, movement)
	return movement.ID, nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, ServiceConfig{RetryLimit: 3})
}

func TestApplyPurchaseCreatesEntry(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	entry, movement, err := svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 1, WarehouseID: 1},
		Delta:    Delta{OnHand: 10, Available: 10},
		Movement: MovementInput{Type: MovementPurchase, Qty: 10, UnitCost: 25, Reference: "GRN-1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.OnHand)
	require.Equal(t, int64(10), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)
	require.Equal(t, StatusInStock, entry.Status)
	require.InDelta(t, 25.0, entry.AvgCost, 0.0001)
	require.InDelta(t, 25.0, entry.LastPurchaseCost, 0.0001)
	require.Equal(t, MovementPurchase, movement.Type)
	require.NotZero(t, movement.ID)
}

func TestWeightedAverageCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, _, err := svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 1, WarehouseID: 1},
		Delta:    Delta{OnHand: 10, Available: 10},
		Movement: MovementInput{Type: MovementPurchase, Qty: 10, UnitCost: 100},
	})
	require.NoError(t, err)

	entry, _, err := svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 1, WarehouseID: 1},
		Delta:    Delta{OnHand: 5, Available: 5},
		Movement: MovementInput{Type: MovementPurchase, Qty: 5, UnitCost: 120},
	})
	require.NoError(t, err)
	require.InDelta(t, 106.6667, entry.AvgCost, 0.001)
	require.InDelta(t, 120.0, entry.LastPurchaseCost, 0.0001)

	// Outbound movements never change the average cost.
	entry, _, err = svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 1, WarehouseID: 1},
		Delta:    Delta{Available: -8, Reserved: 8},
		Movement: MovementInput{Type: MovementAllocation, Qty: -8},
	})
	require.NoError(t, err)
	require.InDelta(t, 106.6667, entry.AvgCost, 0.001)
}

func TestApplyRejectsNegativeQuantities(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, _, err := svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 2, WarehouseID: 1},
		Delta:    Delta{OnHand: 5, Available: 5},
		Movement: MovementInput{Type: MovementPurchase, Qty: 5, UnitCost: 10},
	})
	require.NoError(t, err)

	_, _, err = svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 2, WarehouseID: 1},
		Delta:    Delta{Available: -6, Reserved: 6},
		Movement: MovementInput{Type: MovementAllocation, Qty: -6},
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	// Nothing committed by the failed apply.
	entry, err := svc.GetEntry(ctx, Key{ProductID: 2, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(5), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)
}

func TestApplyEnforcesIdentity(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// Delta that breaks on_hand == available + reserved.
	_, _, err := svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 3, WarehouseID: 1},
		Delta:    Delta{OnHand: 10, Available: 6},
		Movement: MovementInput{Type: MovementAdjust, Qty: 10},
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestStatusDerivation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Seed(ctx, Entry{ProductID: 4, WarehouseID: 1, OnHand: 10, Available: 10, ReorderPoint: 3})
	require.NoError(t, err)

	entry, err := svc.GetEntry(ctx, Key{ProductID: 4, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusInStock, entry.Status)

	entry, _, err = svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 4, WarehouseID: 1},
		Delta:    Delta{Available: -7, Reserved: 7},
		Movement: MovementInput{Type: MovementAllocation, Qty: -7},
	})
	require.NoError(t, err)
	require.Equal(t, StatusLowStock, entry.Status)

	entry, _, err = svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 4, WarehouseID: 1},
		Delta:    Delta{Available: -3, Reserved: 3},
		Movement: MovementInput{Type: MovementAllocation, Qty: -3},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOutOfStock, entry.Status)
}

func TestTransactMultiRowAtomicity(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Seed(ctx, Entry{ProductID: 5, WarehouseID: 1, OnHand: 10, Available: 10})
	require.NoError(t, err)

	_, err = svc.Transact(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Apply(ctx, ApplyInput{
			Key:      Key{ProductID: 5, WarehouseID: 1},
			Delta:    Delta{Available: -4, Reserved: 4},
			Movement: MovementInput{Type: MovementAllocation, Qty: -4},
		}); err != nil {
			return err
		}
		// Second row oversells and must roll back the first.
		_, err := tx.Apply(ctx, ApplyInput{
			Key:      Key{ProductID: 6, WarehouseID: 1},
			Delta:    Delta{Available: -1, Reserved: 1},
			Movement: MovementInput{Type: MovementAllocation, Qty: -1},
		})
		return err
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	entry, err := svc.GetEntry(ctx, Key{ProductID: 5, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(10), entry.Available)
	require.Equal(t, int64(0), entry.Reserved)

	movements, err := svc.ListMovements(ctx, MovementFilter{ProductID: 5, WarehouseID: 1})
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestTransactRetriesTransientConflicts(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Seed(ctx, Entry{ProductID: 7, WarehouseID: 1, OnHand: 10, Available: 10})
	require.NoError(t, err)

	repo.failCommits = 2
	attempts := 0
	_, err = svc.Transact(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		_, err := tx.Apply(ctx, ApplyInput{
			Key:      Key{ProductID: 7, WarehouseID: 1},
			Delta:    Delta{Available: -1, Reserved: 1},
			Movement: MovementInput{Type: MovementAllocation, Qty: -1},
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	entry, err := svc.GetEntry(ctx, Key{ProductID: 7, WarehouseID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(9), entry.Available)
	require.Equal(t, int64(1), entry.Reserved)
}

func TestTransactRetryBudgetExhausted(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	repo.failCommits = 5
	_, err := svc.Transact(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.Apply(ctx, ApplyInput{
			Key:      Key{ProductID: 8, WarehouseID: 1},
			Delta:    Delta{OnHand: 1, Available: 1},
			Movement: MovementInput{Type: MovementAdjust, Qty: 1},
		})
		return err
	})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func TestListMovementsFilterByDate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, _, err := svc.Apply(ctx, ApplyInput{
		Key:      Key{ProductID: 9, WarehouseID: 1},
		Delta:    Delta{OnHand: 3, Available: 3},
		Movement: MovementInput{Type: MovementPurchase, Qty: 3, UnitCost: 5},
	})
	require.NoError(t, err)

	movements, err := svc.ListMovements(ctx, MovementFilter{ProductID: 9, WarehouseID: 1})
	require.NoError(t, err)
	require.Len(t, movements, 1)

	movements, err = svc.ListMovements(ctx, MovementFilter{
		ProductID:   9,
		WarehouseID: 1,
		From:        time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestSeedValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Seed(ctx, Entry{ProductID: 0, WarehouseID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Seed(ctx, Entry{ProductID: 1, WarehouseID: 1, OnHand: 5, Available: 3})
	require.ErrorIs(t, err, ErrInvariantViolation)
}
