// Package journal keeps a bounded diagnostic log of live channel connectivity.
// It never stores worker presence.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/livechannel"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
)

const (
	KindState     = "state"
	KindMalformed = "malformed"

	DefaultRetention  = 500
	maxDetailLength   = 1024
	defaultRecentSize = 50
)

var errMissingDatabase = errors.New("journal: database handle is required")

// Entry is one journal row.
type Entry struct {
	EntryID           string `gorm:"column:entry_id;primaryKey;size:64" json:"entry_id"`
	Kind              string `gorm:"column:kind;size:32;not null" json:"kind"`
	State             string `gorm:"column:state;size:32" json:"state,omitempty"`
	Attempt           int    `gorm:"column:attempt;not null;default:0" json:"attempt"`
	Paused            bool   `gorm:"column:paused;not null;default:false" json:"paused"`
	Detail            string `gorm:"column:detail;size:1024" json:"detail,omitempty"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index" json:"recorded_at_s"`
}

func (Entry) TableName() string {
	return "connectivity_journal"
}

// Config wires a Journal.
type Config struct {
	Database *gorm.DB
	IDs      IDProvider
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Journal records connectivity transitions and dropped messages.
type Journal struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Journal over an opened database.
func New(cfg Config) (*Journal, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: cfg.Database, ids: ids, clock: clock, logger: logger}, nil
}

// Record persists entry, assigning its id and timestamp when unset.
func (j *Journal) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.EntryID == "" {
		id, err := j.ids.NewID()
		if err != nil {
			return Entry{}, err
		}
		entry.EntryID = id
	}
	if entry.RecordedAtSeconds == 0 {
		entry.RecordedAtSeconds = j.clock().UTC().Unix()
	}
	if len(entry.Detail) > maxDetailLength {
		entry.Detail = entry.Detail[:maxDetailLength]
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// RecordStatus journals a connection status.
func (j *Journal) RecordStatus(ctx context.Context, status livechannel.Status) (Entry, error) {
	return j.Record(ctx, Entry{
		Kind:              KindState,
		State:             string(status.State),
		Attempt:           status.Attempt,
		Paused:            status.Paused,
		Detail:            status.LastError,
		RecordedAtSeconds: status.At.UTC().Unix(),
	})
}

// RecordMalformed journals a dropped live message.
func (j *Journal) RecordMalformed(ctx context.Context, malformed livechannel.Malformed) (Entry, error) {
	return j.Record(ctx, Entry{
		Kind:              KindMalformed,
		Detail:            strings.TrimSpace(malformed.Reason + ": " + malformed.Detail),
		RecordedAtSeconds: malformed.At.UTC().Unix(),
	})
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentSize
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Order("recorded_at_s DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Prune keeps the newest keep entries and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	db := j.db.WithContext(ctx)
	newest := db.Model(&Entry{}).
		Select("entry_id").
		Order("recorded_at_s DESC").
		Order("entry_id DESC").
		Limit(keep)
	result := db.Where("entry_id NOT IN (?)", newest).Delete(&Entry{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Consume journals connection events until ctx is done or events closes.
func (j *Journal) Consume(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			j.consume(ctx, event)
		}
	}
}

func (j *Journal) consume(ctx context.Context, event realtime.Event) {
	var err error
	switch payload := event.Payload.(type) {
	case livechannel.Status:
		_, err = j.RecordStatus(ctx, payload)
	case livechannel.Malformed:
		_, err = j.RecordMalformed(ctx, payload)
	default:
		return
	}
	if err != nil && ctx.Err() == nil {
		j.logger.Warn("journal write failed",
			zap.String("operation", "journal.record"),
			zap.String("event", event.Type),
			zap.Error(err),
		)
	}
}
