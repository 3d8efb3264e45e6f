// Package orchestrator drives download jobs end to end: credential
// resolution, the remote protocol sequence, extraction, and persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/metrics"
	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/credential"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/descarga"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/tokencache"
)

// Job kinds.
const (
	KindEmitidos  = "emitidos"
	KindRecibidos = "recibidos"
)

var (
	// ErrInvalidKind is returned for kinds other than emitidos and
	// recibidos.
	ErrInvalidKind = errors.New("orchestrator: kind must be emitidos or recibidos")
	// ErrInvalidRange is returned when dateFrom is after dateTo.
	ErrInvalidRange = errors.New("orchestrator: dateFrom must not be after dateTo")
	// ErrPlaceholderPassphrase is returned when the stored passphrase is
	// an obvious placeholder that would waste an authentication round.
	ErrPlaceholderPassphrase = errors.New("orchestrator: credential passphrase looks like a placeholder")
)

// ProtocolClient is the slice of the remote service client the pipeline
// uses. The production implementation is descarga.Client.
type ProtocolClient interface {
	Authenticate(ctx context.Context) (string, error)
	RequestDownload(ctx context.Context, token string, q descarga.Query) (descarga.RequestResult, error)
	PollVerify(ctx context.Context, tokens descarga.TokenSource, requestID string) (descarga.VerifyResult, error)
	Download(ctx context.Context, token, packageID string) ([]byte, error)
}

// ClientFactory builds a protocol client bound to one credential.
type ClientFactory func(material *credential.Material) (ProtocolClient, error)

// TokenCache is the read-through token cache surface the pipeline needs.
type TokenCache interface {
	Token(ctx context.Context, key string, auth tokencache.Authenticator) (string, error)
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	store     storage.Store
	blobs     storage.BlobStore
	tokens    TokenCache
	newClient ClientFactory
	metrics   *metrics.Metrics
	log       *logrus.Logger

	// DemoMode skips credential validation on enqueue and replaces the
	// network sequence with deterministic sample archives.
	DemoMode bool
	// TokenScope separates cached tokens per endpoint environment.
	TokenScope string

	now func() time.Time
}

// New wires an orchestrator. metrics may be nil.
func New(store storage.Store, blobs storage.BlobStore, tokens TokenCache, newClient ClientFactory, m *metrics.Metrics, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:      store,
		blobs:      blobs,
		tokens:     tokens,
		newClient:  newClient,
		metrics:    m,
		log:        log,
		TokenScope: "prod",
		now:        time.Now,
	}
}

// EnqueueParams describe a new job. Nil dates default to the first day of
// the current month and today.
type EnqueueParams struct {
	OwnerID       string
	CompanyID     string
	Kind          string
	DateFrom      *time.Time
	DateTo        *time.Time
	RequestedType string
}

// Enqueue validates the request, creates a queued job, and returns its id
// without processing anything.
func (o *Orchestrator) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.Kind != KindEmitidos && p.Kind != KindRecibidos {
		return "", ErrInvalidKind
	}
	if p.RequestedType == "" {
		p.RequestedType = descarga.TypeCFDI
	}
	if p.RequestedType != descarga.TypeCFDI && p.RequestedType != descarga.TypeMetadata {
		return "", fmt.Errorf("orchestrator: unknown requested type %q", p.RequestedType)
	}

	now := o.now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if p.DateFrom != nil {
		from = *p.DateFrom
	}
	if p.DateTo != nil {
		to = *p.DateTo
	}
	if from.After(to) {
		return "", ErrInvalidRange
	}

	if !o.DemoMode {
		if _, err := o.store.GetProfile(ctx, p.OwnerID); err != nil {
			return "", fmt.Errorf("orchestrator: resolving fiscal profile: %w", err)
		}
	}

	job := &storage.DownloadJob{
		ID:            uuid.NewString(),
		OwnerID:       p.OwnerID,
		CompanyID:     p.CompanyID,
		Kind:          p.Kind,
		DateFrom:      from,
		DateTo:        to,
		RequestedType: p.RequestedType,
		Status:        storage.StatusQueued,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("orchestrator: creating job: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"owner":  job.OwnerID,
		"kind":   job.Kind,
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
	}).Info("job enqueued")
	return job.ID, nil
}

// GetJob returns a job snapshot.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*storage.DownloadJob, error) {
	return o.store.GetJob(ctx, id)
}

// RunSync enqueues a job and processes it on the calling goroutine,
// returning the finished snapshot. The verification poll can hold the
// caller for minutes, so this belongs off any request-handling path.
func (o *Orchestrator) RunSync(ctx context.Context, p EnqueueParams) (*storage.DownloadJob, error) {
	id, err := o.Enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := o.Process(ctx, id); err != nil {
		return nil, err
	}
	return o.store.GetJob(ctx, id)
}

// CredentialReport is the advisory result of a verification check.
// Nothing in it is authoritative; only the remote service can truly
// accept a credential.
type CredentialReport struct {
	CertificateValid bool             `json:"certificateValid"`
	KeyValid         bool             `json:"keyValid"`
	Match            bool             `json:"match"`
	Detail           string           `json:"detail,omitempty"`
	Info             *credential.Info `json:"info,omitempty"`
}

// InspectCredential parses the owner's stored certificate and returns its
// advisory metadata without touching the private key.
func (o *Orchestrator) InspectCredential(ctx context.Context, ownerID string) (*credential.Info, error) {
	profile, err := o.store.GetProfile(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving fiscal profile: %w", err)
	}
	certBytes, err := o.blobs.GetBlob(ctx, profile.CertRef)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading certificate blob: %w", err)
	}
	info, _, err := credential.ParseCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// VerifyCredential checks that the stored certificate and key parse and
// belong together, using the supplied passphrase. Failures come back in
// the report rather than as errors so the caller can show all findings.
func (o *Orchestrator) VerifyCredential(ctx context.Context, ownerID, passphrase string) (*CredentialReport, error) {
	profile, err := o.store.GetProfile(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolving fiscal profile: %w", err)
	}
	certBytes, err := o.blobs.GetBlob(ctx, profile.CertRef)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading certificate blob: %w", err)
	}
	keyBytes, err := o.blobs.GetBlob(ctx, profile.KeyRef)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading key blob: %w", err)
	}

	report := &CredentialReport{}
	info, cert, certErr := credential.ParseCertificate(certBytes)
	if certErr != nil {
		report.Detail = certErr.Error()
		return report, nil
	}
	report.CertificateValid = true
	report.Info = info

	key, keyErr := credential.ParsePrivateKey(keyBytes, passphrase)
	if keyErr != nil {
		report.Detail = keyErr.Error()
		return report, nil
	}
	report.KeyValid = true

	report.Match = credential.Match(cert, key)
	if !report.Match {
		report.Detail = "certificate and private key do not belong together"
	}
	return report, nil
}

// placeholderPassphrases are values operators leave behind when a real
// passphrase was never configured. Rejecting them early saves a doomed
// round trip to the authentication service.
var placeholderPassphrases = map[string]bool{
	"":            true,
	"password":    true,
	"contrasena":  true,
	"contraseña":  true,
	"changeme":    true,
	"12345678a":   true,
	"tu_password": true,
}

func checkPassphrase(passphrase string) error {
	if placeholderPassphrases[strings.ToLower(strings.TrimSpace(passphrase))] {
		return ErrPlaceholderPassphrase
	}
	return nil
}
