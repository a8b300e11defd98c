package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type decodeFunc func(data []byte, v any) error

var byExtension = map[string]struct {
	format string
	decode decodeFunc
}{
	".yaml": {"yaml", yaml.Unmarshal},
	".yml":  {"yaml", yaml.Unmarshal},
	".json": {"json", json.Unmarshal},
}

// FromFile loads configuration from a .yaml, .yml or .json file.
//
// ${VAR} references in the file are expanded from the environment before
// parsing, so a store path can point at a deployment-specific directory.
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := byExtension[ext]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parse(f.format, f.decode, []byte(os.ExpandEnv(string(data))))
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	return parse("yaml", yaml.Unmarshal, data)
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	return parse("json", json.Unmarshal, data)
}

func parse(format string, decode decodeFunc, data []byte) (Config, error) {
	var m map[string]any
	if err := decode(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", format, err)
	}
	return New(m), nil
}
