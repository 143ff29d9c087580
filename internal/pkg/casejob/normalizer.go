package casejob

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrMalformed is returned when a payload cannot be mapped to a Job.
var ErrMalformed = errors.New("malformed case-management job payload")

// Normalizer maps a raw case-management payload onto the canonical Job.
type Normalizer interface {
	Version() string
	Normalize(raw []byte) (*Job, error)
}

// Options apply to every normalizer version.
type Options struct {
	// DefaultCurrency is used when the payload carries none.
	DefaultCurrency string
}

type factory func(Options) Normalizer

var (
	registryMu sync.RWMutex
	registry   = map[string]factory{}
)

func register(version string, f factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[version] = f
}

// New returns the normalizer registered for version.
func New(version string, opts Options) (Normalizer, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(strings.TrimSpace(version))]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown case-management normalizer %q (known: %s)", version, strings.Join(Versions(), ", "))
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "usd"
	}
	return f(opts), nil
}

// Versions lists the registered normalizer versions.
func Versions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
