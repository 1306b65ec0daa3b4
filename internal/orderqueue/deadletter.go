package orderqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Aidin1998/orbit_core/pkg/models"
)

// DeadLetter is one quarantined order with the reason it failed.
type DeadLetter struct {
	Order  *models.Order `json:"order"`
	Reason string        `json:"reason"`
	Time   time.Time     `json:"time"`
}

// DeadLetterQueue persists orders that failed matching or settlement so
// they can be inspected and reconciled out of band.
type DeadLetterQueue struct {
	db     *badger.DB
	logger *zap.SugaredLogger
}

// NewDeadLetterQueue opens (or creates) the badger store at path.
func NewDeadLetterQueue(path string, logger *zap.SugaredLogger) (*DeadLetterQueue, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter queue: %w", err)
	}
	return &DeadLetterQueue{db: db, logger: logger}, nil
}

// Add quarantines the order with the given failure reason.
func (dlq *DeadLetterQueue) Add(ctx context.Context, order *models.Order, reason string) error {
	entry := DeadLetter{Order: order, Reason: reason, Time: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("dlq:%d:%s", time.Now().UnixNano(), order.ID)
	err = dlq.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err == nil {
		dlq.logger.Warnw("Order dead-lettered",
			"order_id", order.ID, "symbol", order.Symbol, "reason", reason)
	}
	return err
}

// List returns up to limit quarantined entries, oldest first.
func (dlq *DeadLetterQueue) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	entries := make([]DeadLetter, 0, limit)
	err := dlq.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(entries) < limit; it.Next() {
			var entry DeadLetter
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// Count returns the number of quarantined orders.
func (dlq *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	var count int64
	err := dlq.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the underlying store.
func (dlq *DeadLetterQueue) Close() error {
	return dlq.db.Close()
}
