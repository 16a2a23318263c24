package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *blobstore.Store {
	t.Helper()
	s, err := blobstore.New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("ошибка создания хранилища: %v", err)
	}
	return s
}

func strp(s string) *string { return &s }

var (
	errPeerMissing   = errors.New("сосед: файл не найден")
	errLegacyMissing = errors.New("старый сервер: 404")
)

// --- memFileRepo ---

// memFileRepo — FileRepository в памяти. apps — существующие заявки.
type memFileRepo struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
	apps    map[string]bool

	getErr    error
	updateErr error

	getCalls    atomic.Int32
	updateCalls atomic.Int32
}

func newMemFileRepo(recs ...*model.FileRecord) *memFileRepo {
	r := &memFileRepo{records: map[string]*model.FileRecord{}, apps: map[string]bool{}}
	for _, rec := range recs {
		r.add(rec)
	}
	return r
}

func (r *memFileRepo) add(rec *model.FileRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	r.records[rec.ID] = rec
	r.apps[rec.ApplicationID] = true
}

func (r *memFileRepo) sorted(filter func(*model.FileRecord) bool) []*model.FileRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.FileRecord
	for _, rec := range r.records {
		if filter == nil || filter(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memFileRepo) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	r.getCalls.Add(1)
	if r.getErr != nil {
		return nil, r.getErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memFileRepo) GetForApplication(ctx context.Context, appID, id string) (*model.FileRecord, error) {
	rec, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ApplicationID != appID {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (r *memFileRepo) ListLegacy(_ context.Context) ([]*model.FileRecord, error) {
	return r.sorted(func(rec *model.FileRecord) bool { return rec.HasLegacyPath() }), nil
}

func (r *memFileRepo) ListAll(_ context.Context) ([]*model.FileRecord, error) {
	return r.sorted(nil), nil
}

func (r *memFileRepo) ListDangling(_ context.Context) ([]*model.FileRecord, error) {
	r.mu.Lock()
	apps := make(map[string]bool, len(r.apps))
	for k, v := range r.apps {
		apps[k] = v
	}
	r.mu.Unlock()
	return r.sorted(func(rec *model.FileRecord) bool { return !apps[rec.ApplicationID] }), nil
}

func (r *memFileRepo) List(_ context.Context, p repository.ListParams) ([]*model.FileRecord, int, error) {
	all := r.sorted(func(rec *model.FileRecord) bool {
		if p.Search != "" && !strings.Contains(strings.ToLower(rec.OriginalFilename), strings.ToLower(p.Search)) {
			return false
		}
		if p.Category != "" && model.MimePatterns(p.Category) != nil && model.MimeCategory(rec.MimeType) != p.Category {
			return false
		}
		return true
	})
	total := len(all)
	start := min(p.Offset, total)
	end := min(start+p.Limit, total)
	return all[start:end], total, nil
}

func (r *memFileRepo) ExistsByStoredName(_ context.Context, appID, storedName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ApplicationID == appID && rec.StoredFilename == storedName {
			return true, nil
		}
	}
	return false, nil
}

func (r *memFileRepo) UpdateFileSize(_ context.Context, id string, size int64) error {
	r.updateCalls.Add(1)
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.FileSize = size
	return nil
}

func (r *memFileRepo) Delete(_ context.Context, id string) (*model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(r.records, id)
	return rec, nil
}

func (r *memFileRepo) DeleteUnmigrateable(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.OriginalFilename == name && rec.LegacyPath != nil {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *memFileRepo) StatsByMimeType(_ context.Context) ([]repository.MimeStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := map[string]*repository.MimeStat{}
	for _, rec := range r.records {
		st, ok := agg[rec.MimeType]
		if !ok {
			st = &repository.MimeStat{MimeType: rec.MimeType}
			agg[rec.MimeType] = st
		}
		st.Count++
		st.TotalSize += rec.FileSize
	}
	var out []repository.MimeStat
	for _, st := range agg {
		out = append(out, *st)
	}
	return out, nil
}

func (r *memFileRepo) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// --- memAuditRepo ---

type memAuditRepo struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (r *memAuditRepo) Insert(_ context.Context, e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memAuditRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// --- fake fetchers ---

// fakePeer — PeerFetcher с подсчётом вызовов.
type fakePeer struct {
	enabled bool
	data    map[string][]byte // ключ — fileID
	err     error
	calls   atomic.Int32
	// gate — если задан, Fetch ждёт его закрытия после подсчёта вызова
	gate chan struct{}
}

func (p *fakePeer) Enabled() bool { return p.enabled }

func (p *fakePeer) Fetch(ctx context.Context, _, fileID string) ([]byte, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	data, ok := p.data[fileID]
	if !ok {
		return nil, errPeerMissing
	}
	return data, nil
}

// fakeLegacy — LegacyFetcher с подсчётом вызовов.
type fakeLegacy struct {
	mu    sync.Mutex
	data  map[string][]byte // ключ — legacy_path
	err   error
	calls atomic.Int32
	// inFlight/maxInFlight — наблюдение за параллельностью
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (l *fakeLegacy) URL(p string) string { return "http://legacy.test/" + strings.TrimPrefix(p, "/") }

func (l *fakeLegacy) Fetch(ctx context.Context, p string) ([]byte, error) {
	l.calls.Add(1)
	cur := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		prev := l.maxInFlight.Load()
		if cur <= prev || l.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.data[p]
	if !ok {
		return nil, errLegacyMissing
	}
	return data, nil
}
