package models

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterRepository manages all imposters by port
type ImposterRepository struct {
	imposters map[int]*Imposter
	mu        sync.RWMutex
	logger    *util.Logger
	dataStore DataStore
}

// NewImposterRepository creates a new imposter repository. A nil dataStore
// keeps imposters in memory only.
func NewImposterRepository(logger *util.Logger, dataStore DataStore) *ImposterRepository {
	if dataStore == nil {
		dataStore = NoOpDataStore{}
	}
	return &ImposterRepository{
		imposters: make(map[int]*Imposter),
		logger:    logger,
		dataStore: dataStore,
	}
}

// Add adds an imposter to the repository
func (ir *ImposterRepository) Add(imposter *Imposter) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	port := imposter.Port()
	if _, exists := ir.imposters[port]; exists {
		return util.NewResourceConflictError(fmt.Sprintf("port %d is already in use", port))
	}
	ir.imposters[port] = imposter

	if err := ir.dataStore.Save(imposter); err != nil {
		ir.logger.Errorf("Failed to save imposter on port %d to data store: %v", port, err)
	}
	return nil
}

// Save persists the current definition of imposter, including stubs changed
// since it was added
func (ir *ImposterRepository) Save(imposter *Imposter) {
	if err := ir.dataStore.Save(imposter); err != nil {
		ir.logger.Errorf("Failed to save imposter on port %d to data store: %v", imposter.Port(), err)
	}
}

// Get retrieves an imposter by port
func (ir *ImposterRepository) Get(port int) (*Imposter, error) {
	ir.mu.RLock()
	defer ir.mu.RUnlock()

	imposter, exists := ir.imposters[port]
	if !exists {
		return nil, util.NewMissingResourceError(fmt.Sprintf("Try POSTing to /imposters first? no imposter on port %d", port), port)
	}
	return imposter, nil
}

// Delete stops and removes the imposter on port
func (ir *ImposterRepository) Delete(ctx context.Context, port int) (*Imposter, error) {
	ir.mu.Lock()
	imposter, exists := ir.imposters[port]
	if exists {
		delete(ir.imposters, port)
	}
	ir.mu.Unlock()

	if !exists {
		return nil, util.NewMissingResourceError(fmt.Sprintf("no imposter on port %d", port), port)
	}

	if err := imposter.Stop(ctx); err != nil {
		ir.logger.Errorf("Error stopping imposter on port %d: %v", port, err)
	}
	if err := ir.dataStore.Delete(port); err != nil {
		ir.logger.Errorf("Failed to remove imposter on port %d from data store: %v", port, err)
	}
	return imposter, nil
}

// DeleteAll stops and removes every imposter, returning them in port order
func (ir *ImposterRepository) DeleteAll(ctx context.Context) []*Imposter {
	ir.mu.Lock()
	imposters := sortedImposters(ir.imposters)
	ir.imposters = make(map[int]*Imposter)
	ir.mu.Unlock()

	for _, imposter := range imposters {
		if err := imposter.Stop(ctx); err != nil {
			ir.logger.Errorf("Error stopping imposter on port %d: %v", imposter.Port(), err)
		}
	}
	if err := ir.dataStore.DeleteAll(); err != nil {
		ir.logger.Errorf("Failed to remove all imposters from data store: %v", err)
	}
	return imposters
}

// GetAll returns all imposters in port order
func (ir *ImposterRepository) GetAll() []*Imposter {
	ir.mu.RLock()
	defer ir.mu.RUnlock()
	return sortedImposters(ir.imposters)
}

// Exists checks if an imposter exists on a port
func (ir *ImposterRepository) Exists(port int) bool {
	ir.mu.RLock()
	defer ir.mu.RUnlock()

	_, exists := ir.imposters[port]
	return exists
}

// StopAll stops every imposter without removing it from the data store
func (ir *ImposterRepository) StopAll(ctx context.Context) {
	for _, imposter := range ir.GetAll() {
		if err := imposter.Stop(ctx); err != nil {
			ir.logger.Errorf("Error stopping imposter on port %d: %v", imposter.Port(), err)
		}
	}
}

// LoadAll returns the imposter configurations kept by the data store
func (ir *ImposterRepository) LoadAll() ([]*ImposterConfig, error) {
	return ir.dataStore.Load()
}

func sortedImposters(imposters map[int]*Imposter) []*Imposter {
	result := make([]*Imposter, 0, len(imposters))
	for _, imposter := range imposters {
		result = append(result, imposter)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Port() < result[j].Port() })
	return result
}
