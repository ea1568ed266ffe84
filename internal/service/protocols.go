package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/protocol/detector"
	"github.com/mnit-rtmc/iris-sub027/internal/protocol/modbus"
	"github.com/mnit-rtmc/iris-sub027/internal/protocol/ntcip"
	"github.com/mnit-rtmc/iris-sub027/internal/protocol/parking"
)

// DriverFactory builds the driver for one link. Sample data produced by the
// driver's operations goes to sink.
type DriverFactory func(link *domain.Link, sink comm.EventSink) (comm.Driver, error)

// ProtocolManager is the registry of protocol drivers.
type ProtocolManager struct {
	mu        sync.RWMutex
	factories map[domain.Protocol]DriverFactory
}

// NewProtocolManager creates an empty registry.
func NewProtocolManager() *ProtocolManager {
	return &ProtocolManager{factories: make(map[domain.Protocol]DriverFactory)}
}

// DefaultProtocols returns a registry with every built-in driver.
func DefaultProtocols() *ProtocolManager {
	pm := NewProtocolManager()
	pm.Register(domain.ProtocolDetector, func(l *domain.Link, s comm.EventSink) (comm.Driver, error) {
		return detector.NewDriver(l, s)
	})
	pm.Register(domain.ProtocolParkingJSON, func(l *domain.Link, s comm.EventSink) (comm.Driver, error) {
		return parking.NewDriver(l, s)
	})
	pm.Register(domain.ProtocolModbusRTU, func(l *domain.Link, s comm.EventSink) (comm.Driver, error) {
		return modbus.NewDriver(l, s)
	})
	pm.Register(domain.ProtocolNTCIP, func(l *domain.Link, s comm.EventSink) (comm.Driver, error) {
		return ntcip.NewDriver(l, s)
	})
	return pm
}

// Register adds or replaces the factory for a protocol.
func (pm *ProtocolManager) Register(p domain.Protocol, f DriverFactory) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.factories[p] = f
}

// Driver builds the driver for link.
func (pm *ProtocolManager) Driver(link *domain.Link, sink comm.EventSink) (comm.Driver, error) {
	pm.mu.RLock()
	f, ok := pm.factories[link.Protocol]
	pm.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProtocolNotRegistered, link.Protocol)
	}
	d, err := f(link, sink)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", link.ID, err)
	}
	return d, nil
}

// Protocols lists the registered protocol names.
func (pm *ProtocolManager) Protocols() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	names := make([]string, 0, len(pm.factories))
	for p := range pm.factories {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
