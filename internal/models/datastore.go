package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mountebank-testing/imposters/internal/util"
)

// DataStore persists imposter definitions across restarts
type DataStore interface {
	// Load returns every stored imposter configuration
	Load() ([]*ImposterConfig, error)

	// Save stores the replayable form of an imposter
	Save(imposter *Imposter) error

	// Delete removes the imposter stored for port
	Delete(port int) error

	// DeleteAll removes every stored imposter
	DeleteAll() error
}

// NoOpDataStore keeps nothing
type NoOpDataStore struct{}

func (NoOpDataStore) Load() ([]*ImposterConfig, error) { return nil, nil }
func (NoOpDataStore) Save(*Imposter) error             { return nil }
func (NoOpDataStore) Delete(int) error                 { return nil }
func (NoOpDataStore) DeleteAll() error                 { return nil }

// FileSystemDataStore writes one <port>.json file per imposter under datadir
type FileSystemDataStore struct {
	datadir string
	logger  *util.Logger
}

// NewFileSystemDataStore creates a new file system data store
func NewFileSystemDataStore(datadir string, logger *util.Logger) *FileSystemDataStore {
	return &FileSystemDataStore{
		datadir: datadir,
		logger:  logger,
	}
}

// Load reads every imposter file in datadir, ordered by file name. Unreadable
// files are logged and skipped.
func (s *FileSystemDataStore) Load() ([]*ImposterConfig, error) {
	files, err := os.ReadDir(s.datadir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading datadir %s: %w", s.datadir, err)
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".json" {
			names = append(names, file.Name())
		}
	}
	sort.Strings(names)

	var configs []*ImposterConfig
	for _, name := range names {
		filename := filepath.Join(s.datadir, name)
		data, err := os.ReadFile(filename)
		if err != nil {
			s.logger.Errorf("Failed to read imposter file %s: %v", filename, err)
			continue
		}

		var config ImposterConfig
		if err := json.Unmarshal(data, &config); err != nil {
			s.logger.Errorf("Failed to parse imposter file %s: %v", filename, err)
			continue
		}
		configs = append(configs, &config)
	}
	return configs, nil
}

// Save writes the imposter's replayable definition, including responses
// recorded by proxies
func (s *FileSystemDataStore) Save(imposter *Imposter) error {
	if err := os.MkdirAll(s.datadir, 0o755); err != nil {
		return fmt.Errorf("creating datadir %s: %w", s.datadir, err)
	}

	data, err := json.MarshalIndent(imposter.ToJSON(ToJSONOptions{Replayable: true}), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filename(imposter.Port()), data, 0o644)
}

// Delete removes the file for port; a missing file is not an error
func (s *FileSystemDataStore) Delete(port int) error {
	if err := os.Remove(s.filename(port)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAll removes every imposter file
func (s *FileSystemDataStore) DeleteAll() error {
	files, err := os.ReadDir(s.datadir)
	if err != nil {
		return nil
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		filename := filepath.Join(s.datadir, file.Name())
		if err := os.Remove(filename); err != nil {
			s.logger.Errorf("Failed to remove imposter file %s: %v", filename, err)
		}
	}
	return nil
}

func (s *FileSystemDataStore) filename(port int) string {
	return filepath.Join(s.datadir, fmt.Sprintf("%d.json", port))
}
