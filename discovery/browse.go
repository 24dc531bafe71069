package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"peerlink/models"
)

// Browse runs one mDNS browse for the configured service class and returns
// every node that answered before ScanTimeout or ctx expired. The local node
// (Config.NodeID) is left out.
func Browse(ctx context.Context, config Config) ([]models.Device, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Device)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	collect := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		device, ok := parseEntry(entry, cfg.Service, cfg.NodeID)
		if !ok {
			return
		}
		collectedMu.Lock()
		collected[device.Address.String()] = device
		collectedMu.Unlock()
	}

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				// Answers already buffered still count.
				for {
					select {
					case entry, ok := <-entries:
						if !ok {
							return
						}
						collect(entry)
					default:
						return
					}
				}
			case entry, ok := <-entries:
				if !ok {
					return
				}
				collect(entry)
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	devices := make([]models.Device, 0, len(collected))
	for _, device := range collected {
		devices = append(devices, device)
	}
	collectedMu.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name == devices[j].Name {
			return devices[i].Address.String() < devices[j].Address.String()
		}
		return devices[i].Name < devices[j].Name
	})

	// A deadline only closes the browse window; explicit cancellation is reported.
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return devices, err
	}
	return devices, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, service, selfNodeID string) (models.Device, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt[txtNodeID])
	if selfNodeID != "" && nodeID == selfNodeID {
		return models.Device{}, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return models.Device{}, false
	}

	ip, ok := firstIP(entry.AddrIPv4, entry.AddrIPv6)
	if !ok {
		return models.Device{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = nodeID
	}

	return models.Device{
		Name:         name,
		NodeID:       nodeID,
		ServiceClass: service,
		Address:      models.AddressFromAddrPort(netip.AddrPortFrom(ip, uint16(entry.Port))),
	}, true
}

// firstIP prefers IPv4 since link-local IPv6 answers need a zone to dial.
func firstIP(groups ...[]net.IP) (netip.Addr, bool) {
	for _, group := range groups {
		for _, ip := range group {
			if addr, ok := netip.AddrFromSlice(ip); ok && addr.IsValid() && !addr.IsUnspecified() {
				return addr.Unmap(), true
			}
		}
	}
	return netip.Addr{}, false
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
