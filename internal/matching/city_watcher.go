package matching

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// LoadCityOverrides reads a YAML document of the form
//
//	tel aviv: [tel-aviv, tel-aviv-yafo]
//	lisbon: [lisboa]
func LoadCityOverrides(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	overrides := map[string][]string{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse city overrides %s: %w", path, err)
	}
	return overrides, nil
}

// WatchCityOverrides loads path into idx and reloads it whenever the file is
// written, created or renamed into place. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file
// atomically are picked up.
func WatchCityOverrides(ctx context.Context, path string, idx *CityIndex, logger zerolog.Logger) error {
	path = strings.TrimSpace(path)
	if path == "" || idx == nil {
		return nil
	}
	reload := func() {
		overrides, err := LoadCityOverrides(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("city overrides not reloaded")
			return
		}
		idx.Replace(overrides)
		logger.Info().Str("path", path).Int("cities", len(overrides)).Msg("city overrides loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	reload()
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", path).Msg("city overrides watcher error")
		}
	}
}
