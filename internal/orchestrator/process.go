package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/cfdigen"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/credential"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/descarga"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/packaging"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/tokencache"
)

// DemoRFC is the owner RFC used when demonstration mode runs without a
// fiscal profile.
const DemoRFC = "EKU9003173C9"

// Process claims the job and runs the pipeline. The claim is the atomic
// queued to running transition; losing it means another worker owns the
// job.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := o.store.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	return o.ProcessClaimed(ctx, job)
}

// ProcessClaimed runs the pipeline for a job already claimed by the
// caller, such as the worker loop. Protocol and storage errors inside the
// pipeline land in the job's terminal status; only the final status write
// itself is returned as an error.
func (o *Orchestrator) ProcessClaimed(ctx context.Context, job *storage.DownloadJob) error {
	log := o.log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind})

	runErr := o.run(ctx, job, log)
	if runErr != nil {
		job.Status = storage.StatusError
		job.Error = runErr.Error()
		log.WithError(runErr).Error("job failed")
	} else {
		job.Status = storage.StatusSuccess
		log.WithFields(logrus.Fields{
			"found":      job.FoundCount,
			"downloaded": job.DownloadedCount,
			"fallback":   job.FallbackApplied,
		}).Info("job finished")
	}
	job.UpdatedAt = o.now().UTC()

	o.metrics.JobFinished(job.Status)
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("orchestrator: writing terminal status: %w", err)
	}
	return nil
}

// stopwatch measures one stage and records it in both the job row and the
// metrics histogram.
func (o *Orchestrator) stopwatch(stage string, slot *int64) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		*slot = elapsed.Milliseconds()
		o.metrics.StageObserved(stage, elapsed.Seconds())
	}
}

func (o *Orchestrator) run(ctx context.Context, job *storage.DownloadJob, log *logrus.Entry) error {
	if o.DemoMode {
		return o.runDemo(ctx, job)
	}

	profile, err := o.store.GetProfile(ctx, job.OwnerID)
	if err != nil {
		return fmt.Errorf("resolving fiscal profile: %w", err)
	}
	if err := checkPassphrase(profile.Passphrase); err != nil {
		return err
	}

	certBytes, err := o.blobs.GetBlob(ctx, profile.CertRef)
	if err != nil {
		return fmt.Errorf("reading certificate blob: %w", err)
	}
	keyBytes, err := o.blobs.GetBlob(ctx, profile.KeyRef)
	if err != nil {
		return fmt.Errorf("reading key blob: %w", err)
	}
	material, err := credential.Load(certBytes, keyBytes, profile.Passphrase)
	if err != nil {
		return err
	}

	client, err := o.newClient(material)
	if err != nil {
		return fmt.Errorf("building protocol client: %w", err)
	}

	cacheKey := tokencache.Key(material.Info.Fingerprint, o.TokenScope)
	authenticate := func(ctx context.Context) (string, time.Time, error) {
		token, err := client.Authenticate(ctx)
		if err != nil {
			return "", time.Time{}, err
		}
		return token, time.Now().Add(tokencache.DefaultTokenTTL), nil
	}
	freshToken := func(ctx context.Context) (string, error) {
		return o.tokens.Token(ctx, cacheKey, authenticate)
	}

	// Authentication.
	stop := o.stopwatch("auth", &job.AuthMS)
	token, err := freshToken(ctx)
	stop()
	if err != nil {
		return err
	}

	ownerRFC := profile.RFC
	if ownerRFC == "" {
		ownerRFC = material.Info.RFC
	} else if ownerRFC != material.Info.RFC {
		// The certificate belongs to someone other than the company on
		// file, usually a legal representative. The query still runs,
		// addressed to the company's RFC.
		log.WithFields(logrus.Fields{
			"company_rfc":     ownerRFC,
			"certificate_rfc": material.Info.RFC,
		}).Warn("certificate RFC differs from company RFC")
	}
	query := descarga.Query{
		Direction:      descarga.Emitidos,
		OwnerRFC:       ownerRFC,
		SolicitanteRFC: material.Info.RFC,
		StartDate:      job.DateFrom,
		EndDate:        job.DateTo,
		RequestType:    job.RequestedType,
	}
	if job.Kind == KindRecibidos {
		query.Direction = descarga.Recibidos
	}

	// Download request, with the one automatic metadata fallback inside
	// the client.
	stop = o.stopwatch("request", &job.RequestMS)
	reqRes, err := client.RequestDownload(ctx, token, query)
	stop()
	if errors.Is(err, descarga.ErrNoInformation) {
		return nil
	}
	if err != nil {
		return err
	}
	job.RequestID = reqRes.RequestID
	if reqRes.FallbackApplied {
		job.FallbackApplied = true
		o.metrics.FallbackApplied()
	}

	// Verification poll.
	stop = o.stopwatch("verify", &job.VerifyMS)
	verifyRes, err := client.PollVerify(ctx, descarga.TokenFunc(freshToken), job.RequestID)
	stop()
	if errors.Is(err, descarga.ErrNoInformation) {
		return nil
	}
	if err != nil {
		return err
	}
	job.FoundCount = verifyRes.CFDICount

	// Package downloads. A bad package is recorded and skipped; the
	// found versus downloaded divergence surfaces the partial failure.
	stop = o.stopwatch("download", &job.DownloadMS)
	defer stop()
	for _, packageID := range verifyRes.PackageIDs {
		pkgLog := log.WithField("package_id", packageID)

		token, err := freshToken(ctx)
		if err != nil {
			return err
		}
		raw, err := client.Download(ctx, token, packageID)
		if err != nil {
			pkgLog.WithError(err).Warn("package download failed")
			continue
		}
		o.metrics.PackageDownloaded()

		invoices, err := packaging.ParsePackage(raw)
		if err != nil {
			pkgLog.WithError(err).Warn("package unreadable")
			continue
		}
		job.DownloadedCount += o.persistInvoices(ctx, job, invoices, pkgLog)
	}
	return nil
}

func (o *Orchestrator) persistInvoices(ctx context.Context, job *storage.DownloadJob, invoices []packaging.Invoice, log *logrus.Entry) int {
	stored := 0
	for _, inv := range invoices {
		if inv.UUID == "" {
			log.WithField("entry", inv.Entry).Warn("document without uuid skipped")
			continue
		}

		blobRef := ""
		if len(inv.Raw) > 0 {
			blobRef = fmt.Sprintf("jobs/%s/%s.xml", job.ID, inv.UUID)
			if err := o.blobs.PutBlob(ctx, blobRef, inv.Raw, "text/xml"); err != nil {
				log.WithError(err).WithField("uuid", inv.UUID).Warn("blob upload failed")
				blobRef = ""
			}
		}

		row := &storage.InvoiceRow{
			UUID:         inv.UUID,
			OwnerID:      job.OwnerID,
			JobID:        job.ID,
			Serie:        inv.Serie,
			Folio:        inv.Folio,
			IssueDate:    inv.IssueDate,
			IssuerRFC:    inv.IssuerRFC,
			IssuerName:   inv.IssuerName,
			ReceiverRFC:  inv.ReceiverRFC,
			ReceiverName: inv.ReceiverName,
			Subtotal:     inv.Subtotal,
			Tax:          inv.Tax,
			Total:        inv.Total,
			Currency:     inv.Currency,
			Kind:         inv.Kind,
			BlobRef:      blobRef,
		}
		if err := o.store.UpsertInvoice(ctx, row); err != nil {
			log.WithError(err).WithField("uuid", inv.UUID).Warn("invoice upsert failed")
			continue
		}
		stored++
	}
	o.metrics.InvoicesExtracted(stored)
	return stored
}

// runDemo exercises the extraction and persistence paths against a
// deterministic generated archive instead of the network.
func (o *Orchestrator) runDemo(ctx context.Context, job *storage.DownloadJob) error {
	ownerRFC := DemoRFC
	if profile, err := o.store.GetProfile(ctx, job.OwnerID); err == nil && profile.RFC != "" {
		ownerRFC = profile.RFC
	}

	stop := o.stopwatch("download", &job.DownloadMS)
	defer stop()

	raw, err := cfdigen.Generate(cfdigen.Params{
		OwnerRFC: ownerRFC,
		Emitted:  job.Kind == KindEmitidos,
		Start:    job.DateFrom,
	})
	if err != nil {
		return fmt.Errorf("generating sample archive: %w", err)
	}

	invoices, err := packaging.ParsePackage(raw)
	if err != nil {
		return fmt.Errorf("parsing sample archive: %w", err)
	}
	job.FoundCount = len(invoices)
	job.DownloadedCount = o.persistInvoices(ctx, job, invoices, o.log.WithField("job_id", job.ID))
	return nil
}
