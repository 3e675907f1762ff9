package strategystore

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/LKrysik/quantra/errs"
	"github.com/LKrysik/quantra/internal/schema"
)

// LoadDir seeds the store from strategy definition files in dir. Each *.json
// file holds one definition; the strategy id is the file name without the
// extension. A missing directory is not an error so a fresh checkout can boot
// with no strategies. Returns the number of strategies loaded.
func LoadDir(ctx context.Context, store Store, dir string, logger *log.Logger) (int, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.New("strategystore/loaddir", errs.CodeValidation,
			errs.WithMessage("read strategy directory"), errs.WithCause(err),
			errs.WithField("dir", dir))
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return loaded, errs.New("strategystore/loaddir", errs.CodeValidation,
				errs.WithMessage("read strategy file"), errs.WithCause(err),
				errs.WithField("path", path))
		}
		var def schema.Strategy
		if err := json.Unmarshal(raw, &def); err != nil {
			return loaded, errs.New("strategystore/loaddir", errs.CodeValidation,
				errs.WithMessage("decode strategy file"), errs.WithCause(err),
				errs.WithField("path", path))
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if _, err := store.Save(ctx, id, def); err != nil {
			return loaded, err
		}
		loaded++
		if logger != nil {
			logger.Printf("strategystore: loaded %s (enabled=%t)", id, def.Enabled)
		}
	}
	return loaded, nil
}
