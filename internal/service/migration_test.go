package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

type migrationEnv struct {
	repo   *memFileRepo
	store  *blobstore.Store
	legacy *fakeLegacy
	audit  *memAuditRepo
	cache  *CacheService
	svc    *MigrationService
}

func newMigrationEnv(t *testing.T, opts MigrationOptions, recs ...*model.FileRecord) *migrationEnv {
	t.Helper()
	env := &migrationEnv{
		repo:   newMemFileRepo(recs...),
		store:  newTestStore(t),
		legacy: &fakeLegacy{data: map[string][]byte{}},
		audit:  &memAuditRepo{},
		cache:  NewCacheService(100, time.Minute),
	}
	logger := testLogger()
	env.svc = NewMigrationService(env.repo, env.store, env.legacy, env.cache,
		NewAuditLogger(env.audit, logger), opts, logger)
	return env
}

// legacyRecord создаёт запись с legacy_path; uploadedAt задаёт порядок (новые первыми).
func legacyRecord(n int, uploadedAt time.Time) *model.FileRecord {
	return &model.FileRecord{
		ID:               fmt.Sprintf("00000000-0000-0000-0000-%012d", n),
		ApplicationID:    testAppID,
		OriginalFilename: fmt.Sprintf("file-%d.pdf", n),
		StoredFilename:   fmt.Sprintf("stored-%d.pdf", n),
		FileSize:         3,
		MimeType:         "application/pdf",
		LegacyPath:       strp(fmt.Sprintf("/uploads/%d.pdf", n)),
		UploadedAt:       uploadedAt,
	}
}

var testAdmin = &model.User{ID: "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", Name: "Админ", Role: model.RoleAdmin}

func TestMigrateBatch_ResultsMatchInput(t *testing.T) {
	base := time.Now()
	r1, r2 := legacyRecord(1, base), legacyRecord(2, base.Add(-time.Hour))
	noLegacy := legacyRecord(3, base)
	noLegacy.LegacyPath = nil

	env := newMigrationEnv(t, MigrationOptions{Concurrency: 4}, r1, r2, noLegacy)
	env.legacy.data["/uploads/1.pdf"] = []byte("one")
	// /uploads/2.pdf отсутствует на старом сервере

	ids := []string{r1.ID, "00000000-0000-0000-0000-999999999999", r2.ID, noLegacy.ID}
	report := env.svc.MigrateBatch(context.Background(), ids, testAdmin)

	if len(report.Results) != len(ids) {
		t.Fatalf("результатов %d, ожидалось %d", len(report.Results), len(ids))
	}
	for i, id := range ids {
		if report.Results[i].ID != id {
			t.Errorf("Results[%d].ID = %q, ожидался %q", i, report.Results[i].ID, id)
		}
	}

	if !report.Results[0].Success || report.Results[0].Skipped {
		t.Errorf("первый файл должен быть загружен: %+v", report.Results[0])
	}
	if report.Results[1].Success || report.Results[1].Error != "запись не найдена" {
		t.Errorf("несуществующая запись: %+v", report.Results[1])
	}
	if report.Results[2].Success || report.Results[2].Error == "" {
		t.Errorf("ошибка старого сервера должна попасть в результат: %+v", report.Results[2])
	}
	if report.Results[3].Success || report.Results[3].Error != "у записи нет legacy_path" {
		t.Errorf("запись без legacy_path: %+v", report.Results[3])
	}

	want := MigrationSummary{Total: 4, Downloaded: 1, Skipped: 0, Failed: 3}
	if report.Summary != want {
		t.Errorf("Summary = %+v, ожидалось %+v", report.Summary, want)
	}
	if !strings.Contains(report.Message, "загружено 1") {
		t.Errorf("Message = %q", report.Message)
	}

	data, err := env.store.Read(testAppID, r1.StoredFilename)
	if err != nil || string(data) != "one" {
		t.Errorf("файл не записан: %q, %v", data, err)
	}
	if env.audit.count() != 1 {
		t.Errorf("записей аудита %d, ожидалась 1", env.audit.count())
	}
}

func TestMigrateBatch_DuplicateIDs(t *testing.T) {
	r1 := legacyRecord(1, time.Now())
	env := newMigrationEnv(t, MigrationOptions{Concurrency: 4}, r1)
	env.legacy.data["/uploads/1.pdf"] = []byte("one")

	report := env.svc.MigrateBatch(context.Background(), []string{r1.ID, r1.ID, r1.ID}, nil)

	if len(report.Results) != 3 {
		t.Fatalf("результатов %d, ожидалось 3", len(report.Results))
	}
	if report.Results[0].Skipped || !report.Results[0].Success {
		t.Errorf("первая позиция должна загрузить файл: %+v", report.Results[0])
	}
	for _, r := range report.Results[1:] {
		if !r.Skipped {
			t.Errorf("повтор должен быть пропущен: %+v", r)
		}
	}
	if n := env.legacy.calls.Load(); n != 1 {
		t.Errorf("запросов к старому серверу %d, ожидался 1", n)
	}
}

func TestMigrateBatch_Idempotent(t *testing.T) {
	r1 := legacyRecord(1, time.Now())
	env := newMigrationEnv(t, MigrationOptions{}, r1)
	env.legacy.data["/uploads/1.pdf"] = []byte("one")

	first := env.svc.MigrateBatch(context.Background(), []string{r1.ID}, nil)
	if first.Summary.Downloaded != 1 {
		t.Fatalf("первый запуск: %+v", first.Summary)
	}
	second := env.svc.MigrateBatch(context.Background(), []string{r1.ID}, nil)
	if second.Summary.Skipped != 1 || second.Summary.Downloaded != 0 {
		t.Errorf("повторный запуск: %+v", second.Summary)
	}
	if n := env.legacy.calls.Load(); n != 1 {
		t.Errorf("запросов к старому серверу %d, ожидался 1", n)
	}
}

func TestMigrateBatch_UpdatesSize(t *testing.T) {
	r1 := legacyRecord(1, time.Now())
	r1.FileSize = 0
	env := newMigrationEnv(t, MigrationOptions{}, r1)
	env.legacy.data["/uploads/1.pdf"] = []byte("hello")
	env.cache.Set(r1)

	env.svc.MigrateBatch(context.Background(), []string{r1.ID}, nil)

	rec, err := env.repo.GetByID(context.Background(), r1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FileSize != 5 {
		t.Errorf("FileSize = %d, ожидалось 5", rec.FileSize)
	}
	if _, ok := env.cache.Get(r1.ID); ok {
		t.Error("запись должна быть удалена из кэша после миграции")
	}
}

func TestMigrateBatch_SizeUnchanged(t *testing.T) {
	r1 := legacyRecord(1, time.Now())
	env := newMigrationEnv(t, MigrationOptions{}, r1)
	env.legacy.data["/uploads/1.pdf"] = []byte("one")

	env.svc.MigrateBatch(context.Background(), []string{r1.ID}, nil)
	if n := env.repo.updateCalls.Load(); n != 0 {
		t.Errorf("размер совпадает, UpdateFileSize вызван %d раз", n)
	}
}

func TestMigrateBatch_UpdateSizeErrorIsNotFailure(t *testing.T) {
	r1 := legacyRecord(1, time.Now())
	env := newMigrationEnv(t, MigrationOptions{}, r1)
	env.legacy.data["/uploads/1.pdf"] = []byte("longer")
	env.repo.updateErr = errors.New("db down")

	report := env.svc.MigrateBatch(context.Background(), []string{r1.ID}, nil)
	if !report.Results[0].Success {
		t.Errorf("ошибка обновления размера не должна проваливать миграцию: %+v", report.Results[0])
	}
}

func TestMigrateBatch_Empty(t *testing.T) {
	env := newMigrationEnv(t, MigrationOptions{})

	report := env.svc.MigrateBatch(context.Background(), nil, nil)
	if report.Summary.Total != 0 || len(report.Results) != 0 {
		t.Errorf("пустой пакет: %+v", report)
	}
	if env.audit.count() != 0 {
		t.Error("пустой пакет не пишется в аудит")
	}
}

func TestMigrateBatch_ConcurrencyLimit(t *testing.T) {
	var recs []*model.FileRecord
	base := time.Now()
	for i := range 8 {
		recs = append(recs, legacyRecord(i+1, base.Add(-time.Duration(i)*time.Minute)))
	}
	env := newMigrationEnv(t, MigrationOptions{Concurrency: 2}, recs...)
	env.legacy.delay = 20 * time.Millisecond
	ids := make([]string, len(recs))
	for i, r := range recs {
		env.legacy.data[*r.LegacyPath] = []byte("x")
		ids[i] = r.ID
	}

	report := env.svc.MigrateBatch(context.Background(), ids, nil)
	if report.Summary.Downloaded != 8 {
		t.Fatalf("Summary = %+v", report.Summary)
	}
	if m := env.legacy.maxInFlight.Load(); m > 2 {
		t.Errorf("одновременных загрузок %d, ограничение 2", m)
	}
}

func TestMigrationStatus(t *testing.T) {
	base := time.Now()
	r1 := legacyRecord(1, base)
	r2 := legacyRecord(2, base.Add(-time.Minute))
	r3 := legacyRecord(3, base.Add(-2*time.Minute))
	local := &model.FileRecord{
		ID: "00000000-0000-0000-0000-000000000099", ApplicationID: testAppID,
		StoredFilename: "local.pdf", UploadedAt: base,
	}
	env := newMigrationEnv(t, MigrationOptions{PendingLimit: 1}, r1, r2, r3, local)

	if err := env.store.Write(testAppID, r2.StoredFilename, []byte("x")); err != nil {
		t.Fatal(err)
	}

	st, err := env.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if st.Total != 3 || st.Migrated != 1 || st.Pending != 2 {
		t.Errorf("Status = total %d, migrated %d, pending %d", st.Total, st.Migrated, st.Pending)
	}
	if len(st.PendingFiles) != 1 {
		t.Fatalf("PendingFiles = %d, ожидался 1 (ограничение)", len(st.PendingFiles))
	}
	pf := st.PendingFiles[0]
	if pf.ID != r1.ID {
		t.Errorf("первым должен быть самый новый файл, получен %s", pf.ID)
	}
	if pf.LegacyURL != "http://legacy.test/uploads/1.pdf" {
		t.Errorf("LegacyURL = %q", pf.LegacyURL)
	}
}

func TestMigratePending(t *testing.T) {
	base := time.Now()
	var recs []*model.FileRecord
	for i := range 5 {
		recs = append(recs, legacyRecord(i+1, base.Add(-time.Duration(i)*time.Minute)))
	}
	env := newMigrationEnv(t, MigrationOptions{Concurrency: 2, PendingLimit: 10}, recs...)
	for _, r := range recs {
		env.legacy.data[*r.LegacyPath] = []byte("x")
	}
	// Первый уже перенесён и не должен попасть в пакет
	if err := env.store.Write(testAppID, recs[0].StoredFilename, []byte("x")); err != nil {
		t.Fatal(err)
	}

	report, err := env.svc.MigratePending(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if report.Summary.Total != 2 || report.Summary.Downloaded != 2 {
		t.Fatalf("Summary = %+v", report.Summary)
	}
	if report.Results[0].ID != recs[1].ID || report.Results[1].ID != recs[2].ID {
		t.Errorf("порядок пакета: %s, %s", report.Results[0].ID, report.Results[1].ID)
	}

	st, err := env.svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 2 {
		t.Errorf("осталось %d, ожидалось 2", st.Pending)
	}
}

func TestMigratePending_DefaultLimit(t *testing.T) {
	base := time.Now()
	var recs []*model.FileRecord
	for i := range DefaultPendingBatch + 3 {
		recs = append(recs, legacyRecord(i+1, base.Add(-time.Duration(i)*time.Second)))
	}
	env := newMigrationEnv(t, MigrationOptions{Concurrency: 4}, recs...)
	for _, r := range recs {
		env.legacy.data[*r.LegacyPath] = []byte("x")
	}

	report, err := env.svc.MigratePending(context.Background(), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.Total != DefaultPendingBatch {
		t.Errorf("Total = %d, ожидалось %d", report.Summary.Total, DefaultPendingBatch)
	}
}

func TestMigrateBatch_ThenResolveServedLocally(t *testing.T) {
	rec := legacyRecord(1, time.Now())
	env := newMigrationEnv(t, MigrationOptions{}, rec)
	env.legacy.data["/uploads/1.pdf"] = []byte("one")

	report := env.svc.MigrateBatch(context.Background(), []string{rec.ID}, testAdmin)
	if report.Summary.Downloaded != 1 {
		t.Fatalf("перенос не удался: %+v", report.Results)
	}

	peer := &fakePeer{enabled: true, data: map[string][]byte{rec.ID: []byte("peer")}}
	logger := testLogger()
	resolver := NewResolver(env.repo, env.cache, DefaultTiers(env.store, peer, env.legacy, logger), logger)
	legacyCalls := env.legacy.calls.Load()

	res, err := resolver.Resolve(context.Background(), rec.ApplicationID, rec.ID, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Tier != model.TierLocal || string(res.Data) != "one" {
		t.Errorf("Tier = %q, Data = %q; ожидался local с перенесёнными байтами", res.Tier, res.Data)
	}
	if peer.calls.Load() != 0 || env.legacy.calls.Load() != legacyCalls {
		t.Error("после переноса файл должен отдаваться без сетевых запросов")
	}
}

func TestMigrationStatus_UncheckableRecordCounted(t *testing.T) {
	base := time.Now()
	r1 := legacyRecord(1, base)
	r2 := legacyRecord(2, base.Add(-time.Minute))
	blocked := legacyRecord(3, base.Add(-2*time.Minute))
	blocked.ApplicationID = "blocked"
	env := newMigrationEnv(t, MigrationOptions{PendingLimit: 10}, r1, r2, blocked)

	if err := env.store.Write(testAppID, r2.StoredFilename, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.store.Root(), "blocked"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	st, err := env.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("ошибка одной записи не должна прерывать подсчёт: %v", err)
	}
	if st.Total != 3 || st.Migrated != 1 || st.Pending != 1 || st.Unchecked != 1 {
		t.Errorf("Status = total %d, migrated %d, pending %d, unchecked %d",
			st.Total, st.Migrated, st.Pending, st.Unchecked)
	}
	if len(st.Errors) != 1 || !strings.Contains(st.Errors[0], blocked.ID) {
		t.Errorf("Errors = %v", st.Errors)
	}
	if len(st.PendingFiles) != 1 || st.PendingFiles[0].ID != r1.ID {
		t.Errorf("PendingFiles = %+v", st.PendingFiles)
	}
}
