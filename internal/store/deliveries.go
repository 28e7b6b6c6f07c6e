package store

import (
	"context"
	"fmt"
)

// RecordDelivery notes a webhook delivery id. Returns false when the id
// was already recorded, letting the pipeline short-circuit redeliveries.
// This is only a fast path — every handler is idempotent regardless.
func (s *Store) RecordDelivery(ctx context.Context, deliveryID, event string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, event, received_at)
		 VALUES (?, ?, ?) ON CONFLICT(delivery_id) DO NOTHING`,
		deliveryID, event, s.nowFunc().Unix())
	if err != nil {
		return false, fmt.Errorf("store: recording delivery %s: %w", deliveryID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: checking delivery %s: %w", deliveryID, err)
	}

	return n == 1, nil
}
