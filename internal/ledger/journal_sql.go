package ledger

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"tradecore/internal/schema"
	"tradecore/pkg/conn"
)

const sqlReplayBatch = 500

type journalRow struct {
	Seq     uint64    `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Type    uint16    `gorm:"column:type;not null"`
	At      time.Time `gorm:"column:at;not null"`
	Payload []byte    `gorm:"column:payload;not null"`
}

func (journalRow) TableName() string {
	return "ledger_journal"
}

// SQLJournal stores records in one table keyed by sequence. It runs on
// PostgreSQL in production and on SQLite for development and tests.
type SQLJournal struct {
	client *conn.Client
	db     *gorm.DB
}

// NewSQLJournal migrates the journal table. The journal takes ownership of
// client and closes it on Close.
func NewSQLJournal(ctx context.Context, client *conn.Client) (*SQLJournal, error) {
	db := client.DB()
	if db == nil {
		return nil, errors.New("sql journal: nil database")
	}
	if err := db.WithContext(ctx).AutoMigrate(&journalRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate ledger_journal")
	}
	return &SQLJournal{client: client, db: db}, nil
}

// Append inserts rec in its own transaction.
func (j *SQLJournal) Append(ctx context.Context, rec Record) error {
	row := journalRow{
		Seq:     rec.Seq,
		Type:    uint16(rec.Type),
		At:      rec.At.UTC(),
		Payload: rec.Payload,
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "insert journal seq %d", rec.Seq)
	}
	return nil
}

// Replay streams rows in primary key (sequence) order.
func (j *SQLJournal) Replay(ctx context.Context, fn func(Record) error) error {
	var rows []journalRow
	var fnErr error
	res := j.db.WithContext(ctx).FindInBatches(&rows, sqlReplayBatch, func(tx *gorm.DB, _ int) error {
		for _, row := range rows {
			if err := fn(Record{
				Seq:     row.Seq,
				Type:    schema.EventType(row.Type),
				At:      row.At.UTC(),
				Payload: row.Payload,
			}); err != nil {
				fnErr = err
				return err
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if res.Error != nil {
		return errors.Wrap(res.Error, "replay ledger_journal")
	}
	return nil
}

// Close closes the underlying connection pool.
func (j *SQLJournal) Close() error {
	return j.client.Close()
}
