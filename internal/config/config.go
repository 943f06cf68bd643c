package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the shape of an imposters file. Imposters stay undecoded so they
// go through the same validation as the admin API.
type File struct {
	Imposters []map[string]interface{} `json:"imposters" yaml:"imposters"`
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadImposters reads the imposter definitions in path. YAML is used for
// .yaml and .yml files, JSON otherwise; a bare array of imposters is also
// accepted.
func LoadImposters(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var parsed interface{}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &parsed)
	} else {
		err = json.Unmarshal(data, &parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	// a JSON round trip gives YAML documents the same value types as JSON
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if trimmed := strings.TrimSpace(string(normalized)); strings.HasPrefix(trimmed, "[") {
		var imposters []map[string]interface{}
		if err := json.Unmarshal(normalized, &imposters); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return imposters, nil
	}

	var file File
	if err := json.Unmarshal(normalized, &file); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return file.Imposters, nil
}

// SaveImposters writes imposters, usually the body of
// GET /imposters?replayable=true, to path as JSON or YAML
func SaveImposters(path string, imposters []map[string]interface{}) error {
	file := File{Imposters: imposters}
	if file.Imposters == nil {
		file.Imposters = []map[string]interface{}{}
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(file)
	} else {
		data, err = json.MarshalIndent(file, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	return nil
}
