// Package postgres implements the row stores on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
)

// Store implements storage.JobStore, storage.InvoiceStore and
// storage.ProfileStore on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// New opens a connection pool against dsn and verifies connectivity.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS download_jobs (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			company_id       TEXT NOT NULL,
			kind             TEXT NOT NULL,
			date_from        DATE NOT NULL,
			date_to          DATE NOT NULL,
			requested_type   TEXT NOT NULL,
			status           TEXT NOT NULL,
			request_id       TEXT NOT NULL DEFAULT '',
			fallback_applied BOOLEAN NOT NULL DEFAULT FALSE,
			error_text       TEXT NOT NULL DEFAULT '',
			auth_ms          BIGINT NOT NULL DEFAULT 0,
			request_ms       BIGINT NOT NULL DEFAULT 0,
			verify_ms        BIGINT NOT NULL DEFAULT 0,
			download_ms      BIGINT NOT NULL DEFAULT 0,
			found_count      INTEGER NOT NULL DEFAULT 0,
			downloaded_count INTEGER NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_download_jobs_queue
			ON download_jobs (created_at) WHERE status = 'queued'`,
		`CREATE TABLE IF NOT EXISTS invoices (
			uuid          TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			job_id        TEXT NOT NULL,
			serie         TEXT NOT NULL DEFAULT '',
			folio         TEXT NOT NULL DEFAULT '',
			issue_date    TIMESTAMPTZ,
			issuer_rfc    TEXT NOT NULL DEFAULT '',
			issuer_name   TEXT NOT NULL DEFAULT '',
			receiver_rfc  TEXT NOT NULL DEFAULT '',
			receiver_name TEXT NOT NULL DEFAULT '',
			subtotal      NUMERIC(18,2) NOT NULL DEFAULT 0,
			tax           NUMERIC(18,2) NOT NULL DEFAULT 0,
			total         NUMERIC(18,2) NOT NULL DEFAULT 0,
			currency      TEXT NOT NULL DEFAULT '',
			kind          TEXT NOT NULL DEFAULT '',
			blob_ref      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_job ON invoices (job_id)`,
		`CREATE TABLE IF NOT EXISTS fiscal_profiles (
			owner_id   TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			rfc        TEXT NOT NULL,
			cert_ref   TEXT NOT NULL,
			key_ref    TEXT NOT NULL,
			passphrase TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, owner_id, company_id, kind, date_from, date_to, requested_type,
	status, request_id, fallback_applied, error_text,
	auth_ms, request_ms, verify_ms, download_ms,
	found_count, downloaded_count, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*storage.DownloadJob, error) {
	var j storage.DownloadJob
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.CompanyID, &j.Kind, &j.DateFrom, &j.DateTo, &j.RequestedType,
		&j.Status, &j.RequestID, &j.FallbackApplied, &j.Error,
		&j.AuthMS, &j.RequestMS, &j.VerifyMS, &j.DownloadMS,
		&j.FoundCount, &j.DownloadedCount, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, job *storage.DownloadJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		job.ID, job.OwnerID, job.CompanyID, job.Kind, job.DateFrom, job.DateTo, job.RequestedType,
		job.Status, job.RequestID, job.FallbackApplied, job.Error,
		job.AuthMS, job.RequestMS, job.VerifyMS, job.DownloadMS,
		job.FoundCount, job.DownloadedCount, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*storage.DownloadJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM download_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting job: %w", err)
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *storage.DownloadJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs SET
			status = $2, request_id = $3, fallback_applied = $4, error_text = $5,
			auth_ms = $6, request_ms = $7, verify_ms = $8, download_ms = $9,
			found_count = $10, downloaded_count = $11, requested_type = $12,
			updated_at = now()
		WHERE id = $1`,
		job.ID, job.Status, job.RequestID, job.FallbackApplied, job.Error,
		job.AuthMS, job.RequestMS, job.VerifyMS, job.DownloadMS,
		job.FoundCount, job.DownloadedCount, job.RequestedType,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimJob flips a specific job from queued to running. The status
// condition in the WHERE clause makes the claim atomic.
func (s *Store) ClaimJob(ctx context.Context, id string) (*storage.DownloadJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE download_jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns,
		id, storage.StatusRunning, storage.StatusQueued))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); errors.Is(getErr, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return job, nil
}

// ClaimNextJob claims the oldest queued job. SKIP LOCKED keeps concurrent
// workers from blocking on the same row.
func (s *Store) ClaimNextJob(ctx context.Context) (*storage.DownloadJob, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE download_jobs SET status = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM download_jobs WHERE status = $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		storage.StatusRunning, storage.StatusQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claiming next job: %w", err)
	}
	return job, true, nil
}

func (s *Store) UpsertInvoice(ctx context.Context, row *storage.InvoiceRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (uuid, owner_id, job_id, serie, folio, issue_date,
			issuer_rfc, issuer_name, receiver_rfc, receiver_name,
			subtotal, tax, total, currency, kind, blob_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())
		ON CONFLICT (uuid) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			job_id = EXCLUDED.job_id,
			serie = EXCLUDED.serie,
			folio = EXCLUDED.folio,
			issue_date = EXCLUDED.issue_date,
			issuer_rfc = EXCLUDED.issuer_rfc,
			issuer_name = EXCLUDED.issuer_name,
			receiver_rfc = EXCLUDED.receiver_rfc,
			receiver_name = EXCLUDED.receiver_name,
			subtotal = EXCLUDED.subtotal,
			tax = EXCLUDED.tax,
			total = EXCLUDED.total,
			currency = EXCLUDED.currency,
			kind = EXCLUDED.kind,
			blob_ref = EXCLUDED.blob_ref`,
		row.UUID, row.OwnerID, row.JobID, row.Serie, row.Folio, nullableTime(row.IssueDate),
		row.IssuerRFC, row.IssuerName, row.ReceiverRFC, row.ReceiverName,
		row.Subtotal, row.Tax, row.Total, row.Currency, row.Kind, row.BlobRef,
	)
	if err != nil {
		return fmt.Errorf("upserting invoice: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *Store) CountInvoices(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM invoices WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting invoices: %w", err)
	}
	return n, nil
}

func (s *Store) GetProfile(ctx context.Context, ownerID string) (*storage.FiscalProfile, error) {
	var p storage.FiscalProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, company_id, rfc, cert_ref, key_ref, passphrase
		FROM fiscal_profiles WHERE owner_id = $1`, ownerID).
		Scan(&p.OwnerID, &p.CompanyID, &p.RFC, &p.CertRef, &p.KeyRef, &p.Passphrase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting profile: %w", err)
	}
	return &p, nil
}

func (s *Store) Close(context.Context) error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
