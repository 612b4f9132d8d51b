package config

import (
	"context"
	"maps"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/polisai/polis-certd/pkg/domain"
)

// FileSource re-reads the configuration file each time domains are requested,
// so edits to the domain list take effect on the next tick. Variable
// expansion and CERTD_* overrides use the environment captured at
// construction.
type FileSource struct {
	path    string
	environ map[string]string
}

// NewFileSource returns a source backed by the YAML file at path, snapshotting
// the process environment.
func NewFileSource(path string) *FileSource {
	return NewFileSourceWithEnv(path, env.ToMap(os.Environ()))
}

// NewFileSourceWithEnv returns a source that resolves variables from environ only.
func NewFileSourceWithEnv(path string, environ map[string]string) *FileSource {
	return &FileSource{path: path, environ: maps.Clone(environ)}
}

func (s *FileSource) lookup(key string) (string, bool) {
	v, ok := s.environ[key]
	return v, ok
}

// Path returns the watched configuration file.
func (s *FileSource) Path() string {
	return s.path
}

// Domains loads the file and returns its contact email and domain list.
func (s *FileSource) Domains(ctx context.Context) (string, []domain.Spec, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	cfg, err := loadFile(s.path, s.lookup)
	if err != nil {
		return "", nil, err
	}
	return cfg.Email, cfg.DomainSpecs(), nil
}

// StaticSource serves a configuration loaded once at startup.
type StaticSource struct {
	cfg *Config
}

// NewStaticSource wraps an already validated configuration.
func NewStaticSource(cfg *Config) *StaticSource {
	return &StaticSource{cfg: cfg}
}

// Domains returns the fixed email and domain list.
func (s *StaticSource) Domains(context.Context) (string, []domain.Spec, error) {
	return s.cfg.Email, s.cfg.DomainSpecs(), nil
}
