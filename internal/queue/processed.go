package queue

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mixelka/mailtriage/pkg/models"
)

// GetProcessedRecord returns the ledger entry for (account, transport
// message id), or ErrNotFound.
func (s *Store) GetProcessedRecord(ctx context.Context, accountName, transportMessageID string) (*models.ProcessedRecord, error) {
	var rec models.ProcessedRecord
	query := `SELECT * FROM processed_records WHERE account_name = ? AND transport_message_id = ?`
	err := s.GetContext(ctx, &rec, query, accountName, transportMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get processed record", err)
	}
	return &rec, nil
}

// CountProcessed returns the number of ledger entries for an account.
func (s *Store) CountProcessed(ctx context.Context, accountName string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM processed_records WHERE account_name = ?`
	if err := s.GetContext(ctx, &count, query, accountName); err != nil {
		return 0, storeErr("count processed records", err)
	}
	return count, nil
}
