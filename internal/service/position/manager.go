package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const readThroughTimeout = 2 * time.Second

// Manager folds trades into per-(account, symbol) positions. Writes are
// serialized per key so concurrent fills cannot interleave into an
// inconsistent average price; reads are served from an in-memory snapshot
// and fall through to the store on a miss, so a restarted process still
// sees positions opened before it came up.
type Manager struct {
	store entity.PositionStore

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	snapMu   sync.RWMutex
	snapshot map[string]entity.Position
}

func NewManager(store entity.PositionStore) *Manager {
	return &Manager{
		store:    store,
		keys:     make(map[string]*sync.Mutex),
		snapshot: make(map[string]entity.Position),
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	lock, ok := m.keys[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keys[key] = lock
	}
	return lock
}

// Apply folds one trade into the matching position and returns the
// updated open position (nil when the trade closed it flat) together
// with the PnL realized by this trade.
func (m *Manager) Apply(ctx context.Context, trade *entity.Trade) (*entity.Position, decimal.Decimal, error) {
	key := entity.PositionKey(trade.AccountID, trade.Symbol)
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.loadOpen(ctx, key, trade.AccountID, trade.Symbol)
	if err != nil {
		return nil, decimal.Zero, err
	}

	signedQty := entity.SignedQuantity(trade.Side, trade.Quantity)
	now := time.Now().UTC()

	if current == nil {
		opened := &entity.Position{
			ID:            uuid.NewString(),
			AccountID:     trade.AccountID,
			Symbol:        trade.Symbol,
			Quantity:      signedQty,
			AvgEntryPrice: trade.Price,
			RealizedPnL:   decimal.Zero,
			OpenedAt:      trade.ExecutedAt,
			UpdatedAt:     now,
		}
		if err := m.persist(ctx, key, opened); err != nil {
			return nil, decimal.Zero, err
		}
		return opened, decimal.Zero, nil
	}

	sameDirection := current.Quantity.Sign() == signedQty.Sign()
	if sameDirection {
		// volume-weighted average for adds
		oldAbs := current.Quantity.Abs()
		addAbs := signedQty.Abs()
		totalAbs := oldAbs.Add(addAbs)
		current.AvgEntryPrice = current.AvgEntryPrice.Mul(oldAbs).
			Add(trade.Price.Mul(addAbs)).
			Div(totalAbs)
		current.Quantity = current.Quantity.Add(signedQty)
		current.UpdatedAt = now

		if err := m.persist(ctx, key, current); err != nil {
			return nil, decimal.Zero, err
		}
		return current, decimal.Zero, nil
	}

	direction := decimal.NewFromInt(int64(current.Quantity.Sign()))
	closedAbs := decimal.Min(current.Quantity.Abs(), signedQty.Abs())
	realized := trade.Price.Sub(current.AvgEntryPrice).Mul(closedAbs).Mul(direction)

	remainder := current.Quantity.Add(signedQty)

	current.RealizedPnL = current.RealizedPnL.Add(realized)
	current.Quantity = current.Quantity.Add(entity.SignedQuantity(trade.Side, closedAbs))
	current.UpdatedAt = now

	if current.Quantity.IsZero() {
		closedAt := trade.ExecutedAt
		current.ClosedAt = &closedAt
	}

	if err := m.persist(ctx, key, current); err != nil {
		return nil, decimal.Zero, err
	}

	if remainder.IsZero() || remainder.Sign() == direction.Sign() {
		if current.ClosedAt != nil {
			return nil, realized, nil
		}
		return current, realized, nil
	}

	// the trade crossed zero: the surplus opens a fresh position whose
	// average is the trade price, since the reopened side has no history
	reopened := &entity.Position{
		ID:            uuid.NewString(),
		AccountID:     trade.AccountID,
		Symbol:        trade.Symbol,
		Quantity:      remainder,
		AvgEntryPrice: trade.Price,
		RealizedPnL:   decimal.Zero,
		OpenedAt:      trade.ExecutedAt,
		UpdatedAt:     now,
	}
	if err := m.persist(ctx, key, reopened); err != nil {
		return nil, realized, err
	}

	logrus.WithFields(logrus.Fields{
		"account":  trade.AccountID,
		"symbol":   trade.Symbol,
		"quantity": remainder.String(),
		"realized": realized.String(),
	}).Info("position flipped")

	return reopened, realized, nil
}

// GetOpen returns a copy of the open position for the key, reading
// through to the store when the snapshot has no entry yet.
func (m *Manager) GetOpen(accountID, symbol string) (entity.Position, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), readThroughTimeout)
	defer cancel()

	pos, err := m.loadOpen(ctx, entity.PositionKey(accountID, symbol), accountID, symbol)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"account": accountID,
			"symbol":  symbol,
		}).Warnf("position read-through failed: %v", err)
		return entity.Position{}, false
	}
	if pos == nil {
		return entity.Position{}, false
	}
	return *pos, true
}

// OpenQuantity is the signed open quantity for the key, zero when flat.
func (m *Manager) OpenQuantity(accountID, symbol string) decimal.Decimal {
	pos, ok := m.GetOpen(accountID, symbol)
	if !ok {
		return decimal.Zero
	}
	return pos.Quantity
}

// ListOpenByAccount lists every open position for the account from the
// store, refreshing the snapshot on the way. The snapshot serves as the
// fallback when the store is unreachable.
func (m *Manager) ListOpenByAccount(accountID string) []entity.Position {
	ctx, cancel := context.WithTimeout(context.Background(), readThroughTimeout)
	defer cancel()

	stored, err := m.store.ListOpenByAccount(ctx, accountID)
	if err != nil {
		logrus.WithField("account", accountID).Warnf("position list read-through failed: %v", err)

		m.snapMu.RLock()
		defer m.snapMu.RUnlock()
		positions := make([]entity.Position, 0)
		for _, pos := range m.snapshot {
			if pos.AccountID == accountID {
				positions = append(positions, pos)
			}
		}
		return positions
	}

	m.snapMu.Lock()
	for _, pos := range stored {
		m.snapshot[entity.PositionKey(pos.AccountID, pos.Symbol)] = pos
	}
	m.snapMu.Unlock()

	return stored
}

func (m *Manager) loadOpen(ctx context.Context, key, accountID, symbol string) (*entity.Position, error) {
	m.snapMu.RLock()
	pos, ok := m.snapshot[key]
	m.snapMu.RUnlock()
	if ok {
		copied := pos
		return &copied, nil
	}

	stored, err := m.store.GetOpen(ctx, accountID, symbol)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	m.snapMu.Lock()
	m.snapshot[key] = *stored
	m.snapMu.Unlock()

	copied := *stored
	return &copied, nil
}

func (m *Manager) persist(ctx context.Context, key string, pos *entity.Position) error {
	if err := m.store.Upsert(ctx, pos); err != nil {
		return err
	}

	m.snapMu.Lock()
	if pos.ClosedAt != nil {
		delete(m.snapshot, key)
	} else {
		m.snapshot[key] = *pos
	}
	m.snapMu.Unlock()

	return nil
}
