package tracksync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadMappingConfig reads a mapping configuration file. The format is
// chosen by extension: .yaml/.yml or .toml.
func LoadMappingConfig(path string) (MappingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MappingConfig{}, fmt.Errorf("read mapping config: %w", err)
	}
	return ParseMappingConfig(data, filepath.Ext(path))
}

func ParseMappingConfig(data []byte, ext string) (MappingConfig, error) {
	var cfg MappingConfig
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return MappingConfig{}, fmt.Errorf("%w: parse yaml mapping config: %v", ErrInvalidInput, err)
		}
	case "toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return MappingConfig{}, fmt.Errorf("%w: parse toml mapping config: %v", ErrInvalidInput, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return MappingConfig{}, fmt.Errorf("%w: unknown mapping config keys %v", ErrInvalidInput, undecoded)
		}
	default:
		return MappingConfig{}, fmt.Errorf("%w: unsupported mapping config format %q", ErrInvalidInput, ext)
	}
	return cfg, nil
}

// LoadFieldMapper builds a mapper from path, or the default mapper when path
// is empty.
func LoadFieldMapper(path string) (*FieldMapper, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultFieldMapper(), nil
	}
	cfg, err := LoadMappingConfig(path)
	if err != nil {
		return nil, err
	}
	return NewFieldMapper(cfg)
}
