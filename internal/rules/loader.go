package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/adjudication"
)

var (
	// ErrUnknownTenant means no rule file exists for the tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrInvalidTenant means the tenant ID is not a safe identifier.
	ErrInvalidTenant = errors.New("invalid tenant id")
)

var validTenantID = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenantID reports whether id may name a tenant.
func ValidTenantID(id string) bool {
	return validTenantID.MatchString(id)
}

// Source resolves the rule bundle for a tenant.
type Source interface {
	Bundle(tenant string) (*adjudication.RuleBundle, error)
}

// Loader reads <dir>/<tenant>.yaml and caches the resulting bundles.
type Loader struct {
	fsys     fs.FS
	fallback bool
	logger   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*adjudication.RuleBundle
}

type Option func(*Loader)

// WithFallback makes tenants without a rule file use DefaultBundle.
func WithFallback() Option {
	return func(l *Loader) { l.fallback = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader returns a Loader reading from dir.
func NewLoader(dir string, opts ...Option) *Loader {
	return NewFSLoader(os.DirFS(dir), opts...)
}

// NewFSLoader returns a Loader reading from fsys.
func NewFSLoader(fsys fs.FS, opts ...Option) *Loader {
	l := &Loader{
		fsys:   fsys,
		logger: zerolog.Nop(),
		cache:  make(map[string]*adjudication.RuleBundle),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Bundle returns the tenant's bundle, loading it on first use.
func (l *Loader) Bundle(tenant string) (*adjudication.RuleBundle, error) {
	if !ValidTenantID(tenant) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}

	l.mu.RLock()
	b, ok := l.cache[tenant]
	l.mu.RUnlock()
	if ok {
		return b, nil
	}

	b, err := l.load(tenant)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if cached, ok := l.cache[tenant]; ok {
		b = cached
	} else {
		l.cache[tenant] = b
	}
	l.mu.Unlock()
	return b, nil
}

// Reload drops the cached bundle so the next Bundle call re-reads the file.
func (l *Loader) Reload(tenant string) {
	l.mu.Lock()
	delete(l.cache, tenant)
	l.mu.Unlock()
}

func (l *Loader) load(tenant string) (*adjudication.RuleBundle, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		name := filepath.ToSlash(tenant + ext)
		data, err := fs.ReadFile(l.fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read rules for tenant %s: %w", tenant, err)
		}
		b, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("rules for tenant %s: %w", tenant, err)
		}
		l.logger.Info().Str("tenant", tenant).Str("file", name).Msg("rule bundle loaded")
		return b, nil
	}

	if l.fallback {
		l.logger.Debug().Str("tenant", tenant).Msg("no rule file, using default bundle")
		return DefaultBundle(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
}
