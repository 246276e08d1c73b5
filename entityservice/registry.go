package entityservice

import "sync"

// registry is the process-global serviceName -> *Service table named in the
// specification's instance registry. It lives inside this package, rather
// than a separate registry package, so Service's own constructor can
// consult it without an import cycle — the same mutex-guarded map shape as
// the teacher's file-backed service registry, minus the JSON-LD
// persistence this in-process table has no use for.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Service)
)

// register adds svc under name, or returns a *ConfigurationError if the
// name is already taken. Construction fails atomically: no partially
// registered service is left behind.
func register(name string, svc *Service) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return &ConfigurationError{Reason: "duplicate service name: " + name}
	}
	registry[name] = svc
	return nil
}

// unregister removes name from the registry, used by Shutdown.
func unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// Lookup returns the registered service instance for name, or ok=false if
// none is registered (or it has been shut down).
func Lookup(name string) (*Service, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	svc, ok := registry[name]
	return svc, ok
}

// RegisteredNames returns every currently registered service name.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
