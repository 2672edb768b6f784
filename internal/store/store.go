// Package store persists products to Postgres via database/sql and the pgx
// stdlib driver, following this codebase's PostgresClient wrapper while
// replacing its skeleton connect/upsert logic with the product schema's
// full read/write surface.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mattercrawl/internal/domain"
	"mattercrawl/internal/engerr"
)

// Config mirrors the teacher's PostgresConfig field-for-field, renamed to
// this store's vocabulary.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxIdle  time.Duration
	ConnMaxLife  time.Duration
}

// Store is a thin wrapper around a sql.DB handle exposing the product
// persistence operations the crawling engine needs.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies connectivity, using the simple
// query protocol to avoid prepared-statement collisions across the
// concurrent Persist stage's many short-lived transactions.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	dsn := addConnectionParam(cfg.DSN, "statement_cache_capacity", "0")
	dsn = addConnectionParam(dsn, "default_query_exec_mode", "simple_protocol")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

func addConnectionParam(connStr, key, value string) string {
	if strings.Contains(connStr, key+"=") {
		return connStr
	}
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + key + "=" + value
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for the migration runner.
func (s *Store) DB() *sql.DB { return s.db }

// UpsertSummaries writes a batch of product summaries inside one
// transaction, keyed by source_url so retried batches remain exactly-once.
// page_id/index_in_page only ever advance: a row's coordinate is replaced
// when it was never set, or when the incoming (page_id, index_in_page) pair
// is strictly lexicographically larger than what's stored, since page_id
// shifts with total_pages_on_site drift and a re-crawl of an already-covered
// page must never regress an already-persisted, newer coordinate.
func (s *Store) UpsertSummaries(ctx context.Context, items []domain.ProductSummary) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engerr.Wrap(domain.ErrPersistenceFatal, "begin upsert summaries tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (source_url, manufacturer, model, certificate_id, page_id, index_in_page, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (source_url) DO UPDATE SET
			manufacturer   = EXCLUDED.manufacturer,
			model          = EXCLUDED.model,
			certificate_id = EXCLUDED.certificate_id,
			page_id        = CASE
				WHEN products.page_id IS NULL THEN EXCLUDED.page_id
				WHEN EXCLUDED.page_id IS NOT NULL
					AND (EXCLUDED.page_id, COALESCE(EXCLUDED.index_in_page, -1)) > (products.page_id, COALESCE(products.index_in_page, -1))
					THEN EXCLUDED.page_id
				ELSE products.page_id
			END,
			index_in_page  = CASE
				WHEN products.page_id IS NULL THEN EXCLUDED.index_in_page
				WHEN EXCLUDED.page_id IS NOT NULL
					AND (EXCLUDED.page_id, COALESCE(EXCLUDED.index_in_page, -1)) > (products.page_id, COALESCE(products.index_in_page, -1))
					THEN EXCLUDED.index_in_page
				ELSE products.index_in_page
			END,
			updated_at     = now()
	`)
	if err != nil {
		return engerr.Wrap(domain.ErrPersistenceFatal, "prepare upsert summaries", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.SourceURL, item.Manufacturer, item.Model, item.CertificateID, item.PageID, item.IndexInPage); err != nil {
			return classifyWriteErr(err, "upsert summary")
		}
	}

	if err := tx.Commit(); err != nil {
		return engerr.Wrap(domain.ErrPersistenceConflict, "commit upsert summaries tx", err)
	}
	return nil
}

// UpsertDetails writes a batch of product details, requiring the parent
// products row to already exist (foreign key on source_url).
func (s *Store) UpsertDetails(ctx context.Context, items []domain.ProductDetail) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engerr.Wrap(domain.ErrPersistenceFatal, "begin upsert details tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO product_details (
			source_url, vendor_id, product_id, device_type, certification_date,
			specification_version, firmware_version, hardware_version,
			transport_interface, primary_device_type_id, description, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (source_url) DO UPDATE SET
			vendor_id               = EXCLUDED.vendor_id,
			product_id              = EXCLUDED.product_id,
			device_type             = EXCLUDED.device_type,
			certification_date      = EXCLUDED.certification_date,
			specification_version   = EXCLUDED.specification_version,
			firmware_version        = EXCLUDED.firmware_version,
			hardware_version        = EXCLUDED.hardware_version,
			transport_interface     = EXCLUDED.transport_interface,
			primary_device_type_id  = EXCLUDED.primary_device_type_id,
			description             = EXCLUDED.description,
			updated_at              = now()
	`)
	if err != nil {
		return engerr.Wrap(domain.ErrPersistenceFatal, "prepare upsert details", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.SourceURL, item.VendorID, item.ProductID, item.DeviceType,
			item.CertificationDate, item.SpecificationVersion, item.FirmwareVersion, item.HardwareVersion,
			item.TransportInterface, item.PrimaryDeviceTypeID, item.Description); err != nil {
			return classifyWriteErr(err, "upsert detail")
		}
	}

	if err := tx.Commit(); err != nil {
		return engerr.Wrap(domain.ErrPersistenceConflict, "commit upsert details tx", err)
	}
	return nil
}

func classifyWriteErr(err error, op string) error {
	msg := err.Error()
	if strings.Contains(msg, "foreign key") {
		return engerr.Wrap(domain.ErrPersistenceConflict, op, err)
	}
	if strings.Contains(msg, "deadlock") || strings.Contains(msg, "conflict") {
		return engerr.Wrap(domain.ErrPersistenceConflict, op, err)
	}
	return engerr.Wrap(domain.ErrPersistenceFatal, op, err)
}

// RecordSessionStart inserts a crawling_sessions row when a Session Actor
// begins, giving operators a persistent history of sessions independent of
// the in-memory Session snapshot, which is lost on process restart.
func (s *Store) RecordSessionStart(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawling_sessions (session_id, status, profile_kind, started_at, total_pages)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING
	`, sess.SessionID, string(sess.Status), string(sess.ProfileKind), sess.StartedAt, sess.Plan.TotalPages())
	if err != nil {
		return engerr.Wrap(domain.ErrPersistenceFatal, "record session start", err)
	}
	return nil
}

// RecordSessionFinish updates a crawling_sessions row with its terminal
// status and accumulated metrics.
func (s *Store) RecordSessionFinish(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawling_sessions
		SET status = $2, finished_at = $3, success_count = $4, failure_count = $5, fail_reason = $6
		WHERE session_id = $1
	`, sess.SessionID, string(sess.Status), sess.FinishedAt, sess.Metrics.SuccessCount, sess.Metrics.FailureCount, sess.FailReason)
	if err != nil {
		return engerr.Wrap(domain.ErrPersistenceFatal, "record session finish", err)
	}
	return nil
}

// Cursor returns the furthest internal coordinate covered by the store, used
// by the Planner to compute the incremental range for a new session.
func (s *Store) Cursor(ctx context.Context) (domain.DbCursor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(page_id), 0), COALESCE(MAX(index_in_page) FILTER (WHERE page_id = (SELECT MAX(page_id) FROM products)), 0), COUNT(*)
		FROM products
	`)

	var cursor domain.DbCursor
	if err := row.Scan(&cursor.MaxPageID, &cursor.MaxIndexInPage, &cursor.TotalProducts); err != nil {
		return domain.DbCursor{}, engerr.Wrap(domain.ErrPersistenceFatal, "read cursor", err)
	}
	cursor.HasData = cursor.TotalProducts > 0
	return cursor, nil
}

// ExistsBySourceURL reports whether a product row with the given source_url
// already exists.
func (s *Store) ExistsBySourceURL(ctx context.Context, sourceURL string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE source_url = $1)`, sourceURL).Scan(&exists)
	if err != nil {
		return false, engerr.Wrap(domain.ErrPersistenceFatal, "check existence", err)
	}
	return exists, nil
}

// ProductQuery filters the query_products operation's result set.
// CertifiedAfter/CertifiedBefore use the "2006-01-02" layout so they compare
// lexicographically against the stored ISO date string.
type ProductQuery struct {
	Manufacturer    string
	DeviceType      string
	CertifiedAfter  string
	CertifiedBefore string
	Limit           int
	AfterSourceURL  string // cursor-paging token: last source_url of the previous page
}

// ProductRecord is a joined summary+detail row returned by Query.
type ProductRecord struct {
	domain.ProductSummary
	Detail *domain.ProductDetail
}

// Query runs the filtered, cursor-paged product listing used by the
// query_products control operation.
func (s *Store) Query(ctx context.Context, q ProductQuery) ([]ProductRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var b strings.Builder
	b.WriteString(`
		SELECT p.source_url, p.manufacturer, p.model, p.certificate_id, p.page_id, p.index_in_page,
		       p.created_at, p.updated_at,
		       d.vendor_id, d.product_id, d.device_type, d.certification_date,
		       d.specification_version, d.firmware_version, d.hardware_version,
		       d.transport_interface, d.primary_device_type_id, d.description
		FROM products p
		LEFT JOIN product_details d ON d.source_url = p.source_url
		WHERE 1=1
	`)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Manufacturer != "" {
		b.WriteString(" AND p.manufacturer = " + arg(q.Manufacturer))
	}
	if q.DeviceType != "" {
		b.WriteString(" AND d.device_type = " + arg(q.DeviceType))
	}
	if q.CertifiedAfter != "" {
		b.WriteString(" AND d.certification_date >= " + arg(q.CertifiedAfter))
	}
	if q.CertifiedBefore != "" {
		b.WriteString(" AND d.certification_date <= " + arg(q.CertifiedBefore))
	}
	if q.AfterSourceURL != "" {
		b.WriteString(" AND p.source_url > " + arg(q.AfterSourceURL))
	}
	b.WriteString(" ORDER BY p.source_url ASC LIMIT " + arg(limit))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, engerr.Wrap(domain.ErrPersistenceFatal, "query products", err)
	}
	defer rows.Close()

	var out []ProductRecord
	for rows.Next() {
		var rec ProductRecord
		var d domain.ProductDetail
		var vendorID, productID, deviceType, certDate, specVersion, fwVersion, hwVersion, transport, primaryTypeID, desc sql.NullString

		if err := rows.Scan(
			&rec.SourceURL, &rec.Manufacturer, &rec.Model, &rec.CertificateID, &rec.PageID, &rec.IndexInPage,
			&rec.CreatedAt, &rec.UpdatedAt,
			&vendorID, &productID, &deviceType, &certDate,
			&specVersion, &fwVersion, &hwVersion, &transport, &primaryTypeID, &desc,
		); err != nil {
			return nil, engerr.Wrap(domain.ErrPersistenceFatal, "scan product row", err)
		}

		if vendorID.Valid {
			d.SourceURL = rec.SourceURL
			d.VendorID = vendorID.String
			d.ProductID = productID.String
			d.DeviceType = deviceType.String
			d.CertificationDate = certDate.String
			d.SpecificationVersion = specVersion.String
			d.FirmwareVersion = fwVersion.String
			d.HardwareVersion = hwVersion.String
			d.TransportInterface = transport.String
			d.PrimaryDeviceTypeID = primaryTypeID.String
			d.Description = desc.String
			rec.Detail = &d
		}

		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, engerr.Wrap(domain.ErrPersistenceFatal, "iterate product rows", err)
	}

	return out, nil
}
