package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

// localCheck — наличие байтов одной записи на диске. err задан, если
// проверить наличие не удалось (например, EACCES на директории заявки).
type localCheck struct {
	exists bool
	err    error
}

// checkLocal параллельно проверяет наличие байтов записей на диске.
// Запись с недопустимым именем считается отсутствующей. Ошибки файловой
// системы сохраняются в результате своей записи; общая ошибка возвращается
// только при отмене ctx.
func checkLocal(ctx context.Context, store *blobstore.Store, recs []*model.FileRecord, concurrency int) ([]localCheck, error) {
	checks := make([]localCheck, len(recs))
	if len(recs) == 0 {
		return checks, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for i, rec := range recs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := store.Exists(rec.ApplicationID, rec.StoredFilename)
			if err != nil && !errors.Is(err, blobstore.ErrInvalidName) {
				checks[i] = localCheck{err: err}
				return nil
			}
			checks[i] = localCheck{exists: ok}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return checks, nil
}

// checkErrors — сообщения о записях, которые не удалось проверить.
func checkErrors(recs []*model.FileRecord, checks []localCheck) []string {
	var out []string
	for i, p := range checks {
		if p.err != nil {
			out = append(out, fmt.Sprintf("Не удалось проверить %s (%s): %v", recs[i].ID, recs[i].OriginalFilename, p.err))
		}
	}
	return out
}
