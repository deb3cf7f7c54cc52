package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncRecord tracks the provider cursor and push channel of one calendar.
type SyncRecord struct {
	User       string
	Calendar   string
	SyncToken  string
	ChannelID  string
	ResourceID string
	UpdatedAt  time.Time
}

// SyncRecords is the sync record collection.
type SyncRecords struct {
	q   querier
	now func() time.Time
}

const syncRecordColumns = `user_id, calendar_id, sync_token, channel_id, resource_id, updated_at`

// Get returns the record for (user, calendar).
func (c *SyncRecords) Get(ctx context.Context, user, calendar string) (SyncRecord, bool, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+syncRecordColumns+` FROM sync_records WHERE user_id = ? AND calendar_id = ?`,
		user, calendar,
	)
	return scanSyncRecord(row)
}

// GetByChannel returns the record watched by the given push channel.
func (c *SyncRecords) GetByChannel(ctx context.Context, channelID string) (SyncRecord, bool, error) {
	if channelID == "" {
		return SyncRecord{}, false, nil
	}
	row := c.q.QueryRowContext(ctx,
		`SELECT `+syncRecordColumns+` FROM sync_records WHERE channel_id = ? LIMIT 1`,
		channelID,
	)
	return scanSyncRecord(row)
}

// Save inserts or replaces the record for (rec.User, rec.Calendar).
func (c *SyncRecords) Save(ctx context.Context, rec SyncRecord) error {
	if rec.User == "" || rec.Calendar == "" {
		return errors.New("save sync record: user and calendar are required")
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO sync_records (`+syncRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, calendar_id) DO UPDATE SET
			sync_token = excluded.sync_token,
			channel_id = excluded.channel_id,
			resource_id = excluded.resource_id,
			updated_at = excluded.updated_at`,
		rec.User, rec.Calendar, rec.SyncToken, rec.ChannelID, rec.ResourceID, toMillis(c.now()),
	)
	if err != nil {
		return fmt.Errorf("save sync record: %w", err)
	}
	return nil
}

func scanSyncRecord(row *sql.Row) (SyncRecord, bool, error) {
	var (
		rec     SyncRecord
		updated int64
	)
	err := row.Scan(&rec.User, &rec.Calendar, &rec.SyncToken, &rec.ChannelID, &rec.ResourceID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, false, nil
	}
	if err != nil {
		return SyncRecord{}, false, fmt.Errorf("scan sync record: %w", err)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, true, nil
}
