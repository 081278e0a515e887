package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/voicevault/internal/models"
)

const mysqlErrDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blobs (
		id           VARCHAR(64)  NOT NULL PRIMARY KEY,
		filename     VARCHAR(512) NOT NULL,
		content_type VARCHAR(255) NOT NULL,
		length       BIGINT       NOT NULL,
		chunk_size   BIGINT       NOT NULL,
		chunk_count  INT          NOT NULL,
		sha256       CHAR(64)     NOT NULL,
		tags         JSON,
		created_at   DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blob_chunks (
		blob_id    VARCHAR(64)  NOT NULL,
		sequence   INT          NOT NULL,
		hash       CHAR(64)     NOT NULL,
		object_key VARCHAR(255) NOT NULL,
		size       BIGINT       NOT NULL,
		PRIMARY KEY (blob_id, sequence)
	)`,
}

// chunkInsertBatch bounds the rows of one multi-row INSERT.
const chunkInsertBatch = 500

// TiDBCatalog stores blob metadata and the per-chunk manifest in TiDB (or MySQL).
type TiDBCatalog struct {
	db *sql.DB
}

// NewTiDBCatalog opens the database, checks connectivity and creates the schema.
func NewTiDBCatalog(ctx context.Context, dsn string) (*TiDBCatalog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	tc := &TiDBCatalog{db: db}
	if err := tc.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return tc, nil
}

// EnsureSchema creates the catalog tables if they are missing.
func (tc *TiDBCatalog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (tc *TiDBCatalog) Close() error {
	return tc.db.Close()
}

// InsertMetadata inserts the blob row and its chunk manifest in one transaction,
// so readers never observe a blob without its chunk list.
func (tc *TiDBCatalog) InsertMetadata(ctx context.Context, meta *models.BlobMetadata) (err error) {
	ctx, span := tracer.Start(ctx, "tidb.insert_metadata",
		trace.WithAttributes(
			attribute.String("blob_id", meta.ID),
			attribute.String("filename", meta.Filename),
			attribute.Int64("length", meta.Length),
			attribute.Int("chunk_count", meta.ChunkCount),
		),
	)
	defer span.End()

	tags, err := json.Marshal(meta.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := `INSERT INTO blobs (id, filename, content_type, length, chunk_size, chunk_count, sha256, tags, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		meta.ID, meta.Filename, meta.ContentType, meta.Length, meta.ChunkSize,
		meta.ChunkCount, meta.SHA256, string(tags), meta.CreatedAt.UTC(),
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry {
			return ErrExists
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert blob: %w", err)
	}

	for start := 0; start < len(meta.ChunkHashes); start += chunkInsertBatch {
		end := min(start+chunkInsertBatch, len(meta.ChunkHashes))
		if err = tc.insertChunkRows(ctx, tx, meta, start, end); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit metadata: %w", err)
	}
	return nil
}

func (tc *TiDBCatalog) insertChunkRows(ctx context.Context, tx *sql.Tx, meta *models.BlobMetadata, start, end int) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO blob_chunks (blob_id, sequence, hash, object_key, size) VALUES `)
	args := make([]any, 0, (end-start)*5)
	for seq := start; seq < end; seq++ {
		if seq > start {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, meta.ID, seq, meta.ChunkHashes[seq], ChunkKey(meta.ID, seq), chunkLength(meta, seq))
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert chunk rows: %w", err)
	}
	return nil
}

// chunkLength returns the byte length of chunk seq; only the last chunk may be short.
func chunkLength(meta *models.BlobMetadata, seq int) int64 {
	offset := int64(seq) * meta.ChunkSize
	return min(meta.ChunkSize, meta.Length-offset)
}

// GetMetadata retrieves blob metadata and its chunk hashes by ID with tracing.
// Both reads run in one read-only transaction so they see the same snapshot.
func (tc *TiDBCatalog) GetMetadata(ctx context.Context, id string) (*models.BlobMetadata, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_metadata",
		trace.WithAttributes(
			attribute.String("blob_id", id),
		),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, filename, content_type, length, chunk_size, chunk_count, sha256, tags, created_at
			  FROM blobs WHERE id = ?`

	var meta models.BlobMetadata
	var tags sql.NullString
	err = tx.QueryRowContext(ctx, query, id).Scan(
		&meta.ID,
		&meta.Filename,
		&meta.ContentType,
		&meta.Length,
		&meta.ChunkSize,
		&meta.ChunkCount,
		&meta.SHA256,
		&tags,
		&meta.CreatedAt,
	)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}

	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &meta.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	hashes, err := chunkHashes(ctx, tx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if hashes == nil {
		hashes = []string{}
	}
	meta.ChunkHashes = hashes

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to end read transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &meta, nil
}

func chunkHashes(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	query := `SELECT hash FROM blob_chunks WHERE blob_id = ? ORDER BY sequence ASC`

	rows, err := tx.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return hashes, nil
}

// DeleteMetadata removes the blob row and its chunk manifest in one transaction.
func (tc *TiDBCatalog) DeleteMetadata(ctx context.Context, id string) (existed bool, err error) {
	ctx, span := tracer.Start(ctx, "tidb.delete_metadata",
		trace.WithAttributes(attribute.String("blob_id", id)),
	)
	defer span.End()

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM blob_chunks WHERE blob_id = ?`, id); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to delete chunk rows: %w", err)
	}
	if err = tx.Commit(); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}

	span.SetAttributes(attribute.Bool("existed", n > 0))
	return n > 0, nil
}
