// Package notify tells the tab layer that a payment changed a balance.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tabpay/internal/models"
)

// Notifier receives a BalanceChange after it has been committed.
type Notifier interface {
	BalanceChanged(ctx context.Context, c models.BalanceChange) error
}

// Channel is the pub/sub channel for one bar's balance updates.
func Channel(prefix, barID string) string {
	return prefix + ":balance:" + barID
}

// RedisPublisher publishes balance changes as JSON on a per-bar channel.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) BalanceChanged(ctx context.Context, c models.BalanceChange) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode balance change: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(p.prefix, c.BarID), payload).Err(); err != nil {
		return fmt.Errorf("publish balance change for tab %s: %w", c.TabID, err)
	}
	return nil
}

// LogNotifier writes balance changes to the log. Used when Redis is not
// configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) BalanceChanged(ctx context.Context, c models.BalanceChange) error {
	l.logger.Info("tab balance changed",
		zap.String("bar_id", c.BarID),
		zap.String("tab_id", c.TabID),
		zap.String("transaction_id", c.TransactionID),
		zap.Int64("amount_paid", c.AmountPaid),
		zap.Int64("previous_balance", c.PreviousBalance),
		zap.Int64("new_balance", c.NewBalance))
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) BalanceChanged(ctx context.Context, c models.BalanceChange) error {
	var errs []error
	for _, n := range m {
		if err := n.BalanceChanged(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
