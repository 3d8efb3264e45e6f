package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-memory Store and BlobStore used by tests and
// single-node demonstration deployments.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*DownloadJob
	invoices map[string]*InvoiceRow
	profiles map[string]*FiscalProfile
	blobs    map[string][]byte
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*DownloadJob),
		invoices: make(map[string]*InvoiceRow),
		profiles: make(map[string]*FiscalProfile),
		blobs:    make(map[string][]byte),
	}
}

func (m *Memory) CreateJob(_ context.Context, job *DownloadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) UpdateJob(_ context.Context, job *DownloadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	cp := *job
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) ClaimJob(_ context.Context, id string) (*DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusQueued {
		return nil, ErrNotClaimable
	}
	job.Status = StatusRunning
	job.UpdatedAt = time.Now().UTC()
	cp := *job
	return &cp, nil
}

func (m *Memory) ClaimNextJob(_ context.Context) (*DownloadJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var queued []*DownloadJob
	for _, job := range m.jobs {
		if job.Status == StatusQueued {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil, false, nil
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	job := queued[0]
	job.Status = StatusRunning
	job.UpdatedAt = time.Now().UTC()
	cp := *job
	return &cp, true, nil
}

func (m *Memory) UpsertInvoice(_ context.Context, row *InvoiceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	if existing, ok := m.invoices[row.UUID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.invoices[row.UUID] = &cp
	return nil
}

func (m *Memory) CountInvoices(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.invoices {
		if row.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetProfile(_ context.Context, ownerID string) (*FiscalProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutProfile seeds a profile. Test helper; production profiles come from
// the SQL store.
func (m *Memory) PutProfile(p *FiscalProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.OwnerID] = &cp
}

func (m *Memory) GetBlob(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) PutBlob(_ context.Context, ref string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[ref] = cp
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }
func (m *Memory) Ping(context.Context) error  { return nil }
