package bridge

import (
	"strings"
	"sync"
)

// WatermarkStoreFactory builds a store from a full DSN. Deployments can
// register one to claim a scheme before the built-in dispatch runs.
type WatermarkStoreFactory func(dsn string) (WatermarkStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]WatermarkStoreFactory
}{
	factories: map[string]WatermarkStoreFactory{},
}

func RegisterWatermarkStoreFactory(scheme string, factory WatermarkStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupWatermarkStoreFactory(scheme string) (WatermarkStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
