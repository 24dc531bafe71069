package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		NodeID:         "8a3f0a4c-54f4-4b43-9b0e-5b0d2c7c1d11",
		NodeName:       "Alice Laptop",
		ListeningPort:  7946,
		KeyFingerprint: "abcd1234",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 7946 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "node_id=8a3f0a4c-54f4-4b43-9b0e-5b0d2c7c1d11")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "key_fingerprint=abcd1234")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}

	if _, err := StartBroadcaster(Config{NodeName: "x", ListeningPort: 1, registerFn: register}); err == nil {
		t.Fatalf("expected missing node ID to fail")
	}
	if _, err := StartBroadcaster(Config{NodeID: "x", NodeName: "x", registerFn: register}); err == nil {
		t.Fatalf("expected missing port to fail")
	}
}

func TestBrowseFiltersSelfAndBuildsAddresses(t *testing.T) {
	cfg := Config{
		NodeID:      "self-node",
		ScanTimeout: 40 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self-node", "Self", 7946, "10.0.0.1")
			entries <- testServiceEntry("node-2", "Carol", 7947, "10.0.0.3")
			entries <- testServiceEntry("node-1", "Bob", 7948, "10.0.0.2")
			entries <- testServiceEntry("node-1", "Bob", 7948, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	devices, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d: %+v", len(devices), devices)
	}
	if devices[0].Name != "Bob" || devices[1].Name != "Carol" {
		t.Fatalf("expected devices sorted by name, got %+v", devices)
	}
	if devices[0].NodeID != "node-1" || devices[0].ServiceClass != DefaultService {
		t.Fatalf("unexpected device metadata: %+v", devices[0])
	}

	ap, err := devices[0].Address.AddrPort()
	if err != nil {
		t.Fatalf("AddrPort failed: %v", err)
	}
	if ap.String() != "10.0.0.2:7948" {
		t.Fatalf("unexpected device endpoint %s", ap)
	}
}

func TestBrowseSkipsEntriesWithoutAddress(t *testing.T) {
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := testServiceEntry("node-1", "Bob", 7948, "10.0.0.2")
			entry.AddrIPv4 = nil
			entries <- entry
			<-ctx.Done()
			return nil
		},
	}

	devices, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %+v", devices)
	}
}

func TestBrowsePropagatesBrowseError(t *testing.T) {
	boom := errors.New("socket unavailable")
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return boom
		},
	}

	if _, err := Browse(context.Background(), cfg); !errors.Is(err, boom) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestBrowseReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			cancel()
			<-ctx.Done()
			return nil
		},
	}

	if _, err := Browse(ctx, cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testServiceEntry(nodeID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"node_id=" + nodeID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
