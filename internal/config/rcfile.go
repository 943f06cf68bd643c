package config

import (
	"fmt"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
)

// loadRCFile merges a run commands file into k. The file holds option keys
// as YAML; JSON files parse the same way.
//
//	port: 3535
//	allowInjection: true
func loadRCFile(k *koanf.Koanf, path string) error {
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load rc file %s: %w", path, err)
	}
	return nil
}
