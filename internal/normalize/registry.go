// internal/normalize/registry.go
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a classification strategy.
type Factory func() (Classifier, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Lookup builds the classifier registered under name ("" means "keyword").
func Lookup(name string) (Classifier, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "keyword"
	}
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown classifier %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return f()
}

func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("keyword", func() (Classifier, error) {
		return NewKeywordClassifier(Industries, Provinces), nil
	})
	Register("none", func() (Classifier, error) {
		return noneClassifier{}, nil
	})
}
