package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"
)

// FromFile loads configuration, choosing the format by extension
// (.yaml, .yml, .json, .hcl).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	case ".hcl":
		bc, err := FromHCL(filepath.Base(path), data)
		if err != nil {
			return Config{}, err
		}
		return New(bc.Map()), nil
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// hclBusConfig mirrors BusConfig with HCL-decodable field types.
type hclBusConfig struct {
	Peer           string `hcl:"peer,optional"`
	Transport      string `hcl:"transport,optional"`
	Address        string `hcl:"address,optional"`
	Prefix         string `hcl:"prefix,optional"`
	Codec          string `hcl:"codec,optional"`
	DefaultTimeout string `hcl:"default_timeout,optional"`
	ReplyEvent     string `hcl:"reply_event,optional"`
	IDGenerator    string `hcl:"id_generator,optional"`
	Metrics        bool   `hcl:"metrics,optional"`
	Tracing        bool   `hcl:"tracing,optional"`
	JournalPath    string `hcl:"journal_path,optional"`
	LogLevel       string `hcl:"log_level,optional"`
}

// FromHCL decodes an HCL file of BusConfig attributes. filename is used in
// diagnostics and must end in .hcl. Unset attributes keep their defaults.
func FromHCL(filename string, data []byte) (BusConfig, error) {
	var raw hclBusConfig
	if err := hclsimple.Decode(filename, data, nil, &raw); err != nil {
		return BusConfig{}, fmt.Errorf("parse hcl: %w", err)
	}

	m := map[string]any{
		"metrics": raw.Metrics,
		"tracing": raw.Tracing,
	}
	for key, v := range map[string]string{
		"peer":            raw.Peer,
		"transport":       raw.Transport,
		"address":         raw.Address,
		"prefix":          raw.Prefix,
		"codec":           raw.Codec,
		"default_timeout": raw.DefaultTimeout,
		"reply_event":     raw.ReplyEvent,
		"id_generator":    raw.IDGenerator,
		"journal_path":    raw.JournalPath,
		"log_level":       raw.LogLevel,
	} {
		if v != "" {
			m[key] = v
		}
	}
	return ParseBusConfig(New(m))
}
