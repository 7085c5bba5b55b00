package registrar

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/did-doc-patch/go-didpatch"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// entryDB wraps didpatch.Entry to provide SQL Scanner/Valuer for GORM storage.
type entryDB didpatch.Entry

func (e entryDB) Value() (driver.Value, error) {
	return json.Marshal((*didpatch.Entry)(&e))
}

func (e *entryDB) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for entryDB: %T", value)
	}
	return json.Unmarshal(bytes, (*didpatch.Entry)(e))
}

// Head represents the current head CID for a DID
type Head struct {
	DID string `gorm:"column:did;primaryKey"`
	CID string `gorm:"column:cid;not null"`
}

// EntryRecord is a stored patch entry. Seq is a registry-global insertion
// order used by the export endpoints.
type EntryRecord struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	DID       string    `gorm:"column:did;not null;uniqueIndex:idx_entries_did_cid,priority:1;index:idx_entries_did_created_at,priority:1"`
	CID       string    `gorm:"column:cid;not null;uniqueIndex:idx_entries_did_cid,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_entries_did_created_at,priority:2"`
	EntryData entryDB   `gorm:"column:entry_data;not null"`
}

func (EntryRecord) TableName() string {
	return "entries"
}

// for tracking a mirror's upstream cursor
type HostCursor struct {
	Host string `gorm:"primaryKey"`
	Seq  int64  `gorm:"not null"`
}

// GormPatchStore implements didpatch.PatchStore using a database backend
type GormPatchStore struct {
	db *gorm.DB
}

var _ didpatch.PatchStore = (*GormPatchStore)(nil)

// NewGormPatchStoreWithDialector creates a new database-backed patch store with a custom dialector
func NewGormPatchStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormPatchStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "patchstore").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Auto-migrate the schema
	if err := db.AutoMigrate(&Head{}, &EntryRecord{}, &HostCursor{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormPatchStore{
		db: db,
	}, nil
}

func NewGormPatchStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormPatchStore, error) {
	return NewGormPatchStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormPatchStoreWithPostgres(dsn string, logger *slog.Logger) (*GormPatchStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	q := u.Query()
	if !q.Has("synchronous_commit") {
		// A mirror can re-fetch lost data from its origin, so async commit is
		// acceptable. An origin deployment should override this in the DSN.
		q.Set("synchronous_commit", "off")
	}
	u.RawQuery = q.Encode()
	return NewGormPatchStoreWithDialector(
		postgres.Open(u.String()),
		logger,
	)
}

func recordToMeta(rec *EntryRecord) *didpatch.EntryMeta {
	entry := didpatch.Entry(rec.EntryData)
	return &didpatch.EntryMeta{
		DID:        rec.DID,
		CreatedAt:  rec.CreatedAt,
		UpdateKeys: entry.UpdateKeys,
		Entry:      &entry,
		EntryCID:   rec.CID,
	}
}

// GetLatest implements didpatch.PatchStore
func (db *GormPatchStore) GetLatest(ctx context.Context, did string) (*didpatch.EntryMeta, error) {
	var rec EntryRecord
	result := db.db.WithContext(ctx).
		Joins("JOIN heads ON heads.did = entries.did AND heads.cid = entries.cid").
		Where("entries.did = ?", did).
		Take(&rec)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil // DID not found
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return recordToMeta(&rec), nil
}

// GetEntry implements didpatch.PatchStore
func (db *GormPatchStore) GetEntry(ctx context.Context, did string, cid string) (*didpatch.EntryMeta, error) {
	var rec EntryRecord
	result := db.db.WithContext(ctx).Where("did = ? AND cid = ?", did, cid).Take(&rec)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return recordToMeta(&rec), nil
}

// GetAllEntries implements didpatch.PatchStore
func (db *GormPatchStore) GetAllEntries(ctx context.Context, did string) ([]*didpatch.EntryMeta, error) {
	var recs []EntryRecord
	result := db.db.WithContext(ctx).Where("did = ?", did).Order("created_at ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	entries := make([]*didpatch.EntryMeta, 0, len(recs))
	for i := range recs {
		entries = append(entries, recordToMeta(&recs[i]))
	}
	return entries, nil
}

// GetEntryLog returns the full log for a DID in wire form, oldest first.
func (db *GormPatchStore) GetEntryLog(ctx context.Context, did string) ([]didpatch.LogEntry, error) {
	metas, err := db.GetAllEntries(ctx, did)
	if err != nil {
		return nil, err
	}
	log := make([]didpatch.LogEntry, 0, len(metas))
	for _, meta := range metas {
		log = append(log, didpatch.LogEntry{
			DID:       meta.DID,
			Entry:     *meta.Entry,
			CID:       meta.EntryCID,
			CreatedAt: meta.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return log, nil
}

// GetExportAfter returns up to limit committed entries with seq greater than
// after, in seq order.
func (db *GormPatchStore) GetExportAfter(ctx context.Context, after int64, limit int) ([]didpatch.ExportEntry, error) {
	var recs []EntryRecord
	result := db.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq ASC").
		Limit(limit).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	out := make([]didpatch.ExportEntry, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		out = append(out, didpatch.ExportEntry{
			Seq:       rec.Seq,
			DID:       rec.DID,
			Entry:     didpatch.Entry(rec.EntryData),
			CID:       rec.CID,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// MaxSeq returns the highest committed seq value, or 0 for an empty store.
func (db *GormPatchStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq *int64
	result := db.db.WithContext(ctx).Model(&EntryRecord{}).Select("MAX(seq)").Scan(&seq)
	if result.Error != nil {
		return 0, result.Error
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// CommitEntries implements didpatch.PatchStore
func (db *GormPatchStore) CommitEntries(ctx context.Context, entries []*didpatch.PreparedEntry) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pe := range entries {
			rec := EntryRecord{
				DID:       pe.DID,
				CID:       pe.EntryCID,
				CreatedAt: pe.CreatedAt,
				EntryData: entryDB(*pe.Entry),
			}

			if pe.PrevHead == "" {
				// Genesis entry
				if err := tx.Create(&rec).Error; err != nil {
					return fmt.Errorf("failed to create entry: %w", err)
				}

				// A primary key conflict here means another writer registered
				// the DID between verification and commit
				newHead := Head{
					DID: pe.DID,
					CID: pe.EntryCID,
				}
				if err := tx.Create(&newHead).Error; err != nil {
					return fmt.Errorf("%w: DID %s already has a head: %v", didpatch.ErrHeadMismatch, pe.DID, err)
				}
			} else {
				if err := tx.Create(&rec).Error; err != nil {
					return fmt.Errorf("failed to create entry: %w", err)
				}

				// Update head with optimistic locking check
				result := tx.Model(&Head{}).Where("did = ? AND cid = ?", pe.DID, pe.PrevHead).Update("cid", pe.EntryCID)
				if result.Error != nil {
					return fmt.Errorf("failed to update head: %w", result.Error)
				} else if result.RowsAffected != 1 {
					return fmt.Errorf("%w: head CID changed for DID %s", didpatch.ErrHeadMismatch, pe.DID)
				}
			}
		}

		return nil
	})
}

func (db *GormPatchStore) PutCursor(ctx context.Context, host string, seq int64) error {
	// upsert
	result := db.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&HostCursor{
		Host: host,
		Seq:  seq,
	})
	return result.Error
}

// returns 0 if not found (since new hosts should start from 0)
func (db *GormPatchStore) GetCursor(ctx context.Context, host string) (int64, error) {
	var hostCursor HostCursor
	result := db.db.WithContext(ctx).Where("host = ?", host).Take(&hostCursor)
	if result.Error == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if result.Error != nil {
		return 0, result.Error
	}
	return hostCursor.Seq, nil
}
