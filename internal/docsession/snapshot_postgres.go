package docsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTableName = "relaylive_document_snapshots"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresSnapshotStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSnapshotStore(dsn string) (*PostgresSnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSnapshotStore{
		dsn:       dsn,
		tableName: postgresSnapshotTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresSnapshotStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE document_id = $1", postgresQuoteIdentifier(p.tableName))
	var payload []byte
	err := p.db.QueryRowContext(ctx, query, documentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decompressSnapshot(payload)
}

func (p *PostgresSnapshotStore) Save(ctx context.Context, documentID string, data []byte) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(p.tableName))
	_, err := p.db.ExecContext(ctx, query, documentID, compressSnapshot(data))
	return err
}

func (p *PostgresSnapshotStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresSnapshotStore) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				snapshot BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
