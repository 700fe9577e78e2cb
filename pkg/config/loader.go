package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvMapping links an environment variable to a koanf path.
type EnvMapping struct {
	EnvVar     string
	ConfigPath string
}

var (
	mappingsOnce   sync.Once
	cachedMappings []EnvMapping
)

// EnvMappings lists every supported TXREPO_* variable, derived from the env
// struct tags of Config.
func EnvMappings() []EnvMapping {
	mappingsOnce.Do(func() {
		cachedMappings = extractMappings(reflect.TypeOf(Config{}), "")
	})
	return cachedMappings
}

func extractMappings(t reflect.Type, prefix string) []EnvMapping {
	var out []EnvMapping
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("koanf")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}
		if envVar := field.Tag.Get("env"); envVar != "" {
			out = append(out, EnvMapping{EnvVar: envVar, ConfigPath: path})
		}
		if field.Type.Kind() == reflect.Struct {
			out = append(out, extractMappings(field.Type, path)...)
		}
	}
	return out
}

// Load builds a Config from defaults, then the YAML file at path when path is
// not empty, then the environment. The result is validated.
func Load(_ context.Context, path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		data, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawMap(data), nil); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}
	envToPath := make(map[string]string)
	for _, m := range EnvMappings() {
		envToPath[m.EnvVar] = m.ConfigPath
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "TXREPO_",
		TransformFunc: func(key, value string) (string, any) {
			// unmapped variables return an empty key and are skipped
			return envToPath[key], value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules between the storage
// and journal sections.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return errors.New("configuration validation failed: storage.sqlite_path is required for sqlite")
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return errors.New("configuration validation failed: storage.postgres_dsn is required for postgres")
		}
	case "journal":
		if cfg.Journal.Driver == "s3" && cfg.Journal.S3.Bucket == "" {
			return errors.New("configuration validation failed: journal.s3.bucket is required for s3")
		}
		if cfg.Journal.Driver == "fs" && cfg.Journal.FSRoot == "" {
			return errors.New("configuration validation failed: journal.fs_root is required for fs")
		}
	}
	return nil
}

func readYAML(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	data := make(map[string]any)
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return data, nil
}

// rawMap adapts a decoded document to koanf.Provider.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) { return r, nil }

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, errors.New("ReadBytes not implemented")
}
