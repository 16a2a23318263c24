// tiers.go — уровни каскада получения файла: локальный диск,
// соседний экземпляр, старый сервер.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/legacyclient"
	"github.com/makarenko444/zakaz-3/file-service/internal/peerclient"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

// ErrTierMiss — уровень не содержит файла, каскад переходит к следующему.
var ErrTierMiss = errors.New("файл отсутствует на уровне")

// Tier — один уровень каскада.
// Fetch возвращает байты, ErrTierMiss при промахе или ошибку,
// прерывающую каскад.
type Tier interface {
	Name() model.SourceTier
	Fetch(ctx context.Context, rec *model.FileRecord, isInterServerCall bool) ([]byte, error)
}

// PeerFetcher — клиент соседнего экземпляра (реализуется peerclient.Client).
type PeerFetcher interface {
	Enabled() bool
	Fetch(ctx context.Context, appID, fileID string) ([]byte, error)
}

// LegacyFetcher — клиент старого сервера (реализуется legacyclient.Client).
type LegacyFetcher interface {
	URL(legacyPath string) string
	Fetch(ctx context.Context, legacyPath string) ([]byte, error)
}

// DefaultTiers собирает каскад в фиксированном порядке local → peer → legacy.
func DefaultTiers(store *blobstore.Store, peer PeerFetcher, legacy LegacyFetcher, logger *slog.Logger) []Tier {
	return []Tier{
		NewLocalTier(store, logger),
		NewPeerTier(peer, store, logger),
		NewLegacyTier(legacy, logger),
	}
}

// --- local ---

// LocalTier читает файл из локального хранилища.
type LocalTier struct {
	store  *blobstore.Store
	logger *slog.Logger
}

// NewLocalTier создаёт локальный уровень.
func NewLocalTier(store *blobstore.Store, logger *slog.Logger) *LocalTier {
	return &LocalTier{store: store, logger: logger.With(slog.String("tier", string(model.TierLocal)))}
}

// Name возвращает имя уровня.
func (t *LocalTier) Name() model.SourceTier { return model.TierLocal }

// Fetch читает байты с диска. Ошибки файловой системы, кроме отсутствия
// файла, прерывают каскад.
func (t *LocalTier) Fetch(_ context.Context, rec *model.FileRecord, _ bool) ([]byte, error) {
	data, err := t.store.Read(rec.ApplicationID, rec.StoredFilename)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, blobstore.ErrNotExist):
		return nil, ErrTierMiss
	case errors.Is(err, blobstore.ErrInvalidName):
		// Такой файл не может лежать на диске, но может быть на старом сервере
		t.logger.Warn("Недопустимое имя файла в записи",
			slog.String("file_id", rec.ID),
			slog.String("application_id", rec.ApplicationID),
			slog.String("error", err.Error()),
		)
		return nil, ErrTierMiss
	default:
		return nil, err
	}
}

// --- peer ---

// PeerTier запрашивает файл у соседнего экземпляра и сохраняет
// полученные байты локально (write-back).
type PeerTier struct {
	peer   PeerFetcher
	store  *blobstore.Store
	logger *slog.Logger
}

// NewPeerTier создаёт уровень соседнего экземпляра.
func NewPeerTier(peer PeerFetcher, store *blobstore.Store, logger *slog.Logger) *PeerTier {
	return &PeerTier{peer: peer, store: store, logger: logger.With(slog.String("tier", string(model.TierPeer)))}
}

// Name возвращает имя уровня.
func (t *PeerTier) Name() model.SourceTier { return model.TierPeer }

// Fetch пропускает уровень для межсерверного запроса и при выключенном
// соседе. Любая ошибка соседа считается промахом.
func (t *PeerTier) Fetch(ctx context.Context, rec *model.FileRecord, isInterServerCall bool) ([]byte, error) {
	if isInterServerCall || t.peer == nil || !t.peer.Enabled() {
		return nil, ErrTierMiss
	}

	data, err := t.peer.Fetch(ctx, rec.ApplicationID, rec.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		level := slog.LevelWarn
		if errors.Is(err, peerclient.ErrNotFound) {
			level = slog.LevelDebug
		}
		t.logger.Log(ctx, level, "Соседний сервер не отдал файл",
			slog.String("file_id", rec.ID),
			slog.String("application_id", rec.ApplicationID),
			slog.String("error", err.Error()),
		)
		return nil, ErrTierMiss
	}

	// Ошибка write-back не влияет на ответ: байты уже получены
	if err := t.store.Write(rec.ApplicationID, rec.StoredFilename, data); err != nil {
		writebackTotal.WithLabelValues("error").Inc()
		t.logger.Warn("Не удалось сохранить файл соседа локально",
			slog.String("file_id", rec.ID),
			slog.String("application_id", rec.ApplicationID),
			slog.String("error", err.Error()),
		)
	} else {
		writebackTotal.WithLabelValues("ok").Inc()
		t.logger.Info("Файл соседа сохранён локально",
			slog.String("file_id", rec.ID),
			slog.String("application_id", rec.ApplicationID),
			slog.Int("bytes", len(data)),
		)
	}

	return data, nil
}

// --- legacy ---

// LegacyTier запрашивает файл у старого сервера по legacy_path записи.
// Полученные байты локально не сохраняются: это делает миграция.
type LegacyTier struct {
	legacy LegacyFetcher
	logger *slog.Logger
}

// NewLegacyTier создаёт уровень старого сервера.
func NewLegacyTier(legacy LegacyFetcher, logger *slog.Logger) *LegacyTier {
	return &LegacyTier{legacy: legacy, logger: logger.With(slog.String("tier", string(model.TierLegacy)))}
}

// Name возвращает имя уровня.
func (t *LegacyTier) Name() model.SourceTier { return model.TierLegacy }

// Fetch пропускает уровень для записи без legacy_path. Не-2xx ответ,
// таймаут и сетевая ошибка считаются промахом; некорректный URL
// прерывает каскад.
func (t *LegacyTier) Fetch(ctx context.Context, rec *model.FileRecord, _ bool) ([]byte, error) {
	if !rec.HasLegacyPath() || t.legacy == nil {
		return nil, ErrTierMiss
	}

	data, err := t.legacy.Fetch(ctx, *rec.LegacyPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, legacyclient.ErrInvalidURL) {
			return nil, err
		}
		t.logger.Warn("Старый сервер не отдал файл",
			slog.String("file_id", rec.ID),
			slog.String("application_id", rec.ApplicationID),
			slog.String("url", t.legacy.URL(*rec.LegacyPath)),
			slog.String("error", err.Error()),
		)
		return nil, ErrTierMiss
	}
	return data, nil
}
