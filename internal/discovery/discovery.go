// Package discovery announces this device on the local network and finds
// peers via mDNS/DNS-SD.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the DNS-SD service peers browse for.
	ServiceType = "_caravel-sync._tcp"
	domain      = "local."
)

// ErrNotRegistered indicates Close was called before Register.
var ErrNotRegistered = errors.New("discovery: service not registered")

// DiscoveryError wraps an mDNS failure with the operation that produced it,
// so callers can tell a failed announcement from a failed browse.
type DiscoveryError struct {
	Op  string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: %s: %v", e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// DiscoveredDevice is one peer found during a browse window.
type DiscoveredDevice struct {
	ID      string
	Name    string
	Address string
	Port    int
}

// Service registers this device with the local mDNS daemon and browses for
// peers advertising the same service type.
type Service struct {
	logger *zap.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// New returns a discovery service. A nil logger defaults to a nop logger.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

// Register announces this device under the caravel-sync service type. The
// device id and display name travel as TXT metadata so peers can identify
// the instance before connecting.
func (s *Service) Register(deviceID, deviceName string, port int) error {
	txt := []string{
		fmt.Sprintf("id=%s", deviceID),
		fmt.Sprintf("name=%s", deviceName),
	}

	server, err := zeroconf.Register(deviceID, ServiceType, domain, port, txt, nil)
	if err != nil {
		return &DiscoveryError{Op: "register", Err: err}
	}

	s.mu.Lock()
	if s.server != nil {
		s.server.Shutdown()
	}
	s.server = server
	s.mu.Unlock()

	s.logger.Info("mdns service registered",
		zap.String("device_id", deviceID),
		zap.Int("port", port))
	return nil
}

// Discover browses for peers for the given duration and returns the devices
// seen, deduplicated by device id and sorted by id. Blocks for the full
// window; callers keep it off latency-sensitive paths.
func (s *Service) Discover(ctx context.Context, window time.Duration) ([]DiscoveredDevice, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, &DiscoveryError{Op: "resolver", Err: err}
	}

	browseCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]DiscoveredDevice)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			device, ok := deviceFromEntry(entry)
			if !ok {
				continue
			}
			if _, seen := found[device.ID]; !seen {
				found[device.ID] = device
			}
		}
	}()

	if err := resolver.Browse(browseCtx, ServiceType, domain, entries); err != nil {
		return nil, &DiscoveryError{Op: "browse", Err: err}
	}

	<-browseCtx.Done()
	<-done

	devices := make([]DiscoveredDevice, 0, len(found))
	for _, device := range found {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	s.logger.Debug("mdns browse complete", zap.Int("devices", len(devices)))
	return devices, nil
}

// Close withdraws the mDNS announcement.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ErrNotRegistered
	}
	s.server.Shutdown()
	s.server = nil
	return nil
}

func deviceFromEntry(entry *zeroconf.ServiceEntry) (DiscoveredDevice, bool) {
	device := DiscoveredDevice{Port: entry.Port}
	for _, pair := range entry.Text {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			device.ID = value
		case "name":
			device.Name = value
		}
	}
	if device.ID == "" {
		return DiscoveredDevice{}, false
	}
	if len(entry.AddrIPv4) > 0 {
		device.Address = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		device.Address = entry.AddrIPv6[0].String()
	}
	return device, true
}
