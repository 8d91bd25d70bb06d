package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridian-scm/meridian/internal/observability"
	"github.com/meridian-scm/meridian/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntry(ctx context.Context, key Key) (Entry, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	ListBelowReorder(ctx context.Context, supplierID int64) ([]ReorderCandidate, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// RetryLimit bounds automatic retries of transient commit conflicts.
	RetryLimit int
}

// Service owns every read and write of ledger rows. No other component touches
// the storage directly; mutations enter through Apply or Transact only.
type Service struct {
	repo       RepositoryPort
	audit      AuditPort
	metrics    *observability.EngineMetrics
	logger     *slog.Logger
	retryLimit int
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics *observability.EngineMetrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	limit := cfg.RetryLimit
	if limit <= 0 {
		limit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, metrics: metrics, logger: logger, retryLimit: limit}
}

// Tx is the transactional view handed to callers of Transact. Rows touched
// through it stay locked until the enclosing transaction commits.
type Tx struct {
	repo      TxRepository
	movements []Movement
}

// Entry fetches the row for update, creating a zero entry in memory when the
// product has not entered the warehouse yet.
func (t *Tx) Entry(ctx context.Context, key Key) (Entry, error) {
	entry, err := t.repo.GetEntryForUpdate(ctx, key)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return Entry{ProductID: key.ProductID, WarehouseID: key.WarehouseID, Status: StatusOutOfStock}, nil
		}
		return Entry{}, err
	}
	return entry, nil
}

// Apply mutates one row inside the transaction: applies the delta, rederives
// the stock status, recomputes the weighted average cost on costed inbound
// quantity, appends the movement, and enforces the invariants.
func (t *Tx) Apply(ctx context.Context, input ApplyInput) (Entry, error) {
	if input.Delta.IsZero() && input.Movement.Qty == 0 {
		return Entry{}, fmt.Errorf("ledger: empty apply for product %d", input.Key.ProductID)
	}
	if input.Movement.Type == "" {
		return Entry{}, ErrInvalidMovement
	}
	entry, err := t.Entry(ctx, input.Key)
	if err != nil {
		return Entry{}, err
	}

	oldOnHand := entry.OnHand
	entry.OnHand += input.Delta.OnHand
	entry.Available += input.Delta.Available
	entry.Reserved += input.Delta.Reserved
	entry.InTransit += input.Delta.InTransit

	if err := checkInvariants(entry); err != nil {
		return Entry{}, err
	}

	if input.Delta.OnHand > 0 && input.Movement.UnitCost > 0 {
		in := input.Delta.OnHand
		total := float64(oldOnHand)*entry.AvgCost + float64(in)*input.Movement.UnitCost
		entry.AvgCost = total / float64(oldOnHand+in)
	}
	if input.Movement.Type == MovementPurchase && input.Movement.UnitCost > 0 {
		entry.LastPurchaseCost = input.Movement.UnitCost
	}
	entry.Status = deriveStatus(entry.Available, entry.ReorderPoint)
	entry.UpdatedAt = time.Now().UTC()

	if err := t.repo.UpsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	movement := Movement{
		ProductID:   input.Key.ProductID,
		WarehouseID: input.Key.WarehouseID,
		Type:        input.Movement.Type,
		Qty:         input.Movement.Qty,
		UnitCost:    input.Movement.UnitCost,
		Reference:   input.Movement.Reference,
		Note:        input.Movement.Note,
		CreatedAt:   entry.UpdatedAt,
	}
	id, err := t.repo.InsertMovement(ctx, movement)
	if err != nil {
		return Entry{}, err
	}
	movement.ID = id
	t.movements = append(t.movements, movement)
	return entry, nil
}

// Movements lists the movements appended so far in this transaction.
func (t *Tx) Movements() []Movement {
	return t.movements
}

// Transact runs fn inside one repeatable-read transaction. Every row mutation
// in fn commits together or not at all. Transient serialization conflicts are
// retried with fn re-executed against fresh state; a lock wait that exceeds
// the bounded timeout surfaces shared.ErrLockTimeout without retry.
func (s *Service) Transact(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) ([]Movement, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryLimit; attempt++ {
		var movements []Movement
		err := s.repo.WithTx(ctx, func(ctx context.Context, repo TxRepository) error {
			tx := &Tx{repo: repo}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			movements = tx.movements
			return nil
		})
		if err == nil {
			if s.metrics != nil {
				for _, m := range movements {
					s.metrics.MovementPosted(string(m.Type))
				}
			}
			return movements, nil
		}
		classified := classifyPgError(err)
		if !errors.Is(classified, shared.ErrConcurrencyConflict) {
			return nil, classified
		}
		lastErr = classified
		s.logger.Warn("ledger transaction conflict, retrying",
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		if s.metrics != nil {
			s.metrics.ConflictRetried()
		}
	}
	if s.metrics != nil {
		s.metrics.RetryExhausted()
	}
	return nil, lastErr
}

// Apply is the single-row convenience around Transact.
func (s *Service) Apply(ctx context.Context, input ApplyInput) (Entry, Movement, error) {
	var entry Entry
	movements, err := s.Transact(ctx, func(ctx context.Context, tx *Tx) error {
		var applyErr error
		entry, applyErr = tx.Apply(ctx, input)
		return applyErr
	})
	if err != nil {
		return Entry{}, Movement{}, err
	}
	s.recordAudit(ctx, input, entry)
	return entry, movements[0], nil
}

// Seed creates or replaces the replenishment settings of a row. Used when a
// product first enters a warehouse by manual seed instead of receipt.
func (s *Service) Seed(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ProductID == 0 || entry.WarehouseID == 0 {
		return Entry{}, fmt.Errorf("%w: product and warehouse required", shared.ErrValidation)
	}
	if err := checkInvariants(entry); err != nil {
		return Entry{}, err
	}
	entry.Status = deriveStatus(entry.Available, entry.ReorderPoint)
	entry.UpdatedAt = time.Now().UTC()
	var seeded Entry
	_, err := s.Transact(ctx, func(ctx context.Context, tx *Tx) error {
		current, err := tx.Entry(ctx, entry.Key())
		if err != nil {
			return err
		}
		entry.AvgCost = max(entry.AvgCost, current.AvgCost)
		if err := tx.repo.UpsertEntry(ctx, entry); err != nil {
			return err
		}
		seeded = entry
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return seeded, nil
}

// GetEntry returns one ledger row.
func (s *Service) GetEntry(ctx context.Context, key Key) (Entry, error) {
	return s.repo.GetEntry(ctx, key)
}

// ListMovements lists movement history.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.ProductID == 0 || filter.WarehouseID == 0 {
		return nil, fmt.Errorf("%w: product and warehouse required", shared.ErrValidation)
	}
	return s.repo.ListMovements(ctx, filter)
}

// ListBelowReorder returns the supplier's rows at or below their reorder point.
func (s *Service) ListBelowReorder(ctx context.Context, supplierID int64) ([]ReorderCandidate, error) {
	if supplierID == 0 {
		return nil, fmt.Errorf("%w: supplier required", shared.ErrValidation)
	}
	return s.repo.ListBelowReorder(ctx, supplierID)
}

func (s *Service) recordAudit(ctx context.Context, input ApplyInput, entry Entry) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   fmt.Sprintf("ledger:%s", input.Movement.Type),
		Entity:   "stock_ledger",
		EntityID: fmt.Sprintf("%d:%d", input.Key.ProductID, input.Key.WarehouseID),
		Meta: map[string]any{
			"qty":       input.Movement.Qty,
			"on_hand":   entry.OnHand,
			"available": entry.Available,
			"reserved":  entry.Reserved,
			"reference": input.Movement.Reference,
		},
	})
}

// classifyPgError maps postgres failure codes onto the shared taxonomy.
// 40001 and 40P01 are transient and retried; 55P03 means the bounded lock
// wait expired.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", shared.ErrConcurrencyConflict, pgErr.Message)
		case "55P03":
			return fmt.Errorf("%w: %s", shared.ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}
