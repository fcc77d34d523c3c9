package analysis

import (
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// demangleCache memoises demangled names; symbol lists are rendered
// repeatedly by the browser and the report.
type demangleCache struct {
	mu    sync.RWMutex
	names map[string]string
	hits  int
}

var cache = &demangleCache{names: make(map[string]string)}

// CachedDemangle demangles a C++ or Rust symbol, returning the input when it
// is not mangled.
func CachedDemangle(mangled string) string {
	cache.mu.RLock()
	if d, ok := cache.names[mangled]; ok {
		cache.mu.RUnlock()
		cache.mu.Lock()
		cache.hits++
		cache.mu.Unlock()
		return d
	}
	cache.mu.RUnlock()

	d := demangle.Filter(mangled, demangle.NoClones)

	cache.mu.Lock()
	cache.names[mangled] = d
	cache.mu.Unlock()
	return d
}

// DemangleCacheStats returns the number of cached names and cache hits.
func DemangleCacheStats() (entries, hits int) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.names), cache.hits
}

// DisplayName renders an API or symbol name for humans. Qualified API
// names (library.Name) keep their library prefix.
func DisplayName(name string) string {
	if strings.HasPrefix(name, "_Z") {
		return CachedDemangle(name)
	}
	if lib, sym, ok := strings.Cut(name, "."); ok && strings.HasPrefix(sym, "_Z") {
		return lib + "." + CachedDemangle(sym)
	}
	return name
}
