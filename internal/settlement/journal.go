package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// JournalEntry is one settlement outcome on the audit stream.
type JournalEntry struct {
	TransactionID string           `json:"transaction_id"`
	State         TransactionState `json:"state"`
	Updates       int              `json:"updates"`
	Held          time.Duration    `json:"held"`
	Error         string           `json:"error,omitempty"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// Journal receives settlement outcomes off the hot path. Implementations
// must never block the caller.
type Journal interface {
	Record(entry JournalEntry)
	Close() error
}

// KafkaJournal streams settlement outcomes to a Kafka topic through a
// bounded buffer; entries are dropped rather than stalling settlement
// when the buffer is full.
type KafkaJournal struct {
	logger *zap.Logger
	writer *kafka.Writer

	entries  chan JournalEntry
	stopOnce sync.Once
	done     chan struct{}
}

// NewKafkaJournal starts the background writer.
func NewKafkaJournal(logger *zap.Logger, brokers []string, topic string) *KafkaJournal {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &KafkaJournal{
		logger: logger,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		entries: make(chan JournalEntry, 1024),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *KafkaJournal) Record(entry JournalEntry) {
	select {
	case j.entries <- entry:
	default:
		j.logger.Warn("Settlement journal buffer full, entry dropped",
			zap.String("transaction_id", entry.TransactionID))
	}
}

func (j *KafkaJournal) run() {
	defer close(j.done)
	for entry := range j.entries {
		data, err := json.Marshal(entry)
		if err != nil {
			j.logger.Error("Journal entry marshal failed", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = j.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(entry.TransactionID),
			Value: data,
		})
		cancel()
		if err != nil {
			j.logger.Warn("Journal write failed",
				zap.String("transaction_id", entry.TransactionID),
				zap.Error(err))
		}
	}
}

// Close drains whatever is buffered and closes the writer.
func (j *KafkaJournal) Close() error {
	j.stopOnce.Do(func() { close(j.entries) })
	<-j.done
	return j.writer.Close()
}
