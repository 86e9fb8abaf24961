package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/tabpay/internal/models"
)

// CallbackEffect is what applying a callback decided to do.
type CallbackEffect struct {
	// Duplicate marks a re-delivery that changed nothing.
	Duplicate bool
	// Debit is the amount to take off the tab, zero for none.
	Debit int64
}

// ApplyCallback records ev and applies it to its transaction in one
// database transaction. The transaction row is locked first, so two
// deliveries of the same result serialise here and the second one sees
// the first one's status. apply inspects and mutates the locked
// transaction and decides the effect.
//
// ErrNotFound means no transaction carries ev's checkout request ID yet;
// nothing is written in that case.
func (s *Store) ApplyCallback(ctx context.Context, ev *models.CallbackEvent,
	apply func(*models.Transaction) (CallbackEffect, error),
) (*models.Transaction, *models.BalanceChange, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE checkout_request_id = $1 FOR UPDATE",
		ev.CheckoutRequestID))
	if err != nil {
		return nil, nil, err
	}

	effect, err := apply(t)
	if err != nil {
		return nil, nil, err
	}

	var change *models.BalanceChange
	if !effect.Duplicate {
		if err := writeTransaction(ctx, tx, t); err != nil {
			return nil, nil, err
		}
		if effect.Debit > 0 {
			change = &models.BalanceChange{
				TabID:         t.TabID,
				TransactionID: t.ID,
				ReceiptNumber: t.MpesaReceiptNumber,
				AmountPaid:    effect.Debit,
				ChangedAt:     t.UpdatedAt,
			}
			err = tx.QueryRow(ctx,
				`WITH prev AS (SELECT id, balance FROM tabs WHERE id = $2 FOR UPDATE)
				 UPDATE tabs SET balance = GREATEST(tabs.balance - $1, 0), updated_at = $3
				 FROM prev WHERE tabs.id = prev.id
				 RETURNING tabs.bar_id, prev.balance, tabs.balance`,
				effect.Debit, t.TabID, t.UpdatedAt,
			).Scan(&change.BarID, &change.PreviousBalance, &change.NewBalance)
			if err != nil {
				return nil, nil, fmt.Errorf("debit tab %s: %w", t.TabID, notFound(err))
			}
		}
	}

	ev.TransactionID = t.ID
	ev.Duplicate = effect.Duplicate
	ev.Processed = true
	if err := upsertEvent(ctx, tx, ev); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return t, change, nil
}

func upsertEvent(ctx context.Context, q execer, ev *models.CallbackEvent) error {
	_, err := q.Exec(ctx,
		`INSERT INTO callback_events (id, checkout_request_id, merchant_request_id, result_code,
			transaction_id, payload, source_ip, duplicate, processed, received_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5::text, ''), $6, NULLIF($7::text, ''), $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			transaction_id = EXCLUDED.transaction_id,
			duplicate = EXCLUDED.duplicate,
			processed = EXCLUDED.processed`,
		ev.ID, ev.CheckoutRequestID, ev.MerchantRequestID, ev.ResultCode,
		ev.TransactionID, []byte(ev.Payload), ev.SourceIP, ev.Duplicate, ev.Processed, ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record callback event: %w", err)
	}
	return nil
}

// SaveCallbackEvent stores an event outside any transaction, used to
// queue a result whose transaction is not visible yet.
func (s *Store) SaveCallbackEvent(ctx context.Context, ev *models.CallbackEvent) error {
	return upsertEvent(ctx, s.Db, ev)
}

// ListPendingCallbackEvents returns queued events, oldest first.
func (s *Store) ListPendingCallbackEvents(ctx context.Context, limit int) ([]*models.CallbackEvent, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, checkout_request_id, merchant_request_id, result_code, COALESCE(transaction_id, ''),
			payload, COALESCE(source_ip, ''), duplicate, processed, received_at
		 FROM callback_events
		 WHERE NOT processed
		 ORDER BY received_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CallbackEvent
	for rows.Next() {
		var ev models.CallbackEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.CheckoutRequestID, &ev.MerchantRequestID, &ev.ResultCode,
			&ev.TransactionID, &payload, &ev.SourceIP, &ev.Duplicate, &ev.Processed, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// MarkCallbackEventProcessed takes an event out of the queue without
// applying it.
func (s *Store) MarkCallbackEventProcessed(ctx context.Context, id string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE callback_events SET processed = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
