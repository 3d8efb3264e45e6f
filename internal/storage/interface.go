// Package storage defines the persistence interfaces behind the download
// pipeline.
//
// # Interface Design
//
// The layer is organized into focused interfaces:
//
//   - [JobStore]: download job rows and the atomic claim step
//   - [InvoiceStore]: extracted invoice rows, upserted by UUID
//   - [ProfileStore]: fiscal profiles linking owners to credentials
//   - [BlobStore]: raw credential and document bytes
//
// The postgres sub-package implements the row stores; the gridfs
// sub-package implements [BlobStore]. The in-memory implementations in
// this package back single-node deployments and tests.
//
// # Concurrency
//
// All implementations must be safe for concurrent use. Claiming a job is
// an atomic queued-to-running transition so that two workers polling the
// same queue never process the same job.
package storage

import (
	"context"
	"errors"
	"time"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotClaimable is returned when a claim races another worker or
	// the job is no longer queued.
	ErrNotClaimable = errors.New("storage: job is not claimable")
)

// DownloadJob is one bulk download run.
type DownloadJob struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	CompanyID string `json:"companyId"`
	// Kind is "emitidos" or "recibidos".
	Kind     string    `json:"kind"`
	DateFrom time.Time `json:"dateFrom"`
	DateTo   time.Time `json:"dateTo"`
	// RequestedType is CFDI or Metadata.
	RequestedType string `json:"requestedType"`

	Status          string `json:"status"`
	RequestID       string `json:"requestId,omitempty"`
	FallbackApplied bool   `json:"fallbackApplied"`
	Error           string `json:"error,omitempty"`

	// Per-stage latencies in milliseconds.
	AuthMS     int64 `json:"authMs"`
	RequestMS  int64 `json:"requestMs"`
	VerifyMS   int64 `json:"verifyMs"`
	DownloadMS int64 `json:"downloadMs"`

	FoundCount      int `json:"foundCount"`
	DownloadedCount int `json:"downloadedCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InvoiceRow is one persisted invoice. Rows are immutable once stored;
// re-imports upsert by UUID.
type InvoiceRow struct {
	UUID         string    `json:"uuid"`
	OwnerID      string    `json:"ownerId"`
	JobID        string    `json:"jobId"`
	Serie        string    `json:"serie,omitempty"`
	Folio        string    `json:"folio,omitempty"`
	IssueDate    time.Time `json:"issueDate"`
	IssuerRFC    string    `json:"issuerRfc"`
	IssuerName   string    `json:"issuerName,omitempty"`
	ReceiverRFC  string    `json:"receiverRfc"`
	ReceiverName string    `json:"receiverName,omitempty"`
	Subtotal     float64   `json:"subtotal"`
	Tax          float64   `json:"tax"`
	Total        float64   `json:"total"`
	Currency     string    `json:"currency,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	// BlobRef points at the raw document in the blob store, empty for
	// metadata-only records.
	BlobRef   string    `json:"blobRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FiscalProfile links an owner to a company RFC and credential blobs.
// The passphrase is stored encrypted at rest by the operator; this layer
// treats it as opaque and it must never appear in logs.
type FiscalProfile struct {
	OwnerID    string `json:"ownerId"`
	CompanyID  string `json:"companyId"`
	RFC        string `json:"rfc"`
	CertRef    string `json:"certRef"`
	KeyRef     string `json:"keyRef"`
	Passphrase string `json:"-"`
}

// JobStore manages download job rows.
type JobStore interface {
	// CreateJob inserts a new job in queued status.
	CreateJob(ctx context.Context, job *DownloadJob) error
	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id string) (*DownloadJob, error)
	// UpdateJob overwrites a job row.
	UpdateJob(ctx context.Context, job *DownloadJob) error
	// ClaimJob atomically transitions the given job from queued to
	// running. Returns ErrNotClaimable when another worker won the race.
	ClaimJob(ctx context.Context, id string) (*DownloadJob, error)
	// ClaimNextJob claims the oldest queued job, if any. The boolean is
	// false when the queue is empty.
	ClaimNextJob(ctx context.Context) (*DownloadJob, bool, error)
}

// InvoiceStore persists extracted invoices.
type InvoiceStore interface {
	// UpsertInvoice inserts or replaces a row keyed by UUID.
	UpsertInvoice(ctx context.Context, row *InvoiceRow) error
	// CountInvoices returns the number of rows for a job.
	CountInvoices(ctx context.Context, jobID string) (int, error)
}

// ProfileStore resolves owners to fiscal profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, ownerID string) (*FiscalProfile, error)
}

// BlobStore holds raw bytes: credential files read by reference and
// downloaded documents written under job-scoped paths.
type BlobStore interface {
	GetBlob(ctx context.Context, ref string) ([]byte, error)
	PutBlob(ctx context.Context, ref string, data []byte, contentType string) error
}

// Store combines all sub-stores for convenience.
type Store interface {
	JobStore
	InvoiceStore
	ProfileStore

	Close(ctx context.Context) error
	Ping(ctx context.Context) error
}
