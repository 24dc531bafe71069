package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"peerlink/models"
)

// MemoryServiceClass is the service class reported for in-memory devices.
const MemoryServiceClass = "memory"

// MemoryNetwork joins in-process endpoints with net.Pipe connections.
type MemoryNetwork struct {
	mu        sync.Mutex
	nextPort  uint16
	endpoints map[string]*MemoryTransport
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nextPort:  10000,
		endpoints: make(map[string]*MemoryTransport),
	}
}

// Endpoint creates a transport with a fresh loopback-style address.
func (n *MemoryNetwork) Endpoint(name string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextPort++
	address := models.AddressFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), n.nextPort))
	t := &MemoryTransport{network: n, name: name, address: address}
	n.endpoints[address.String()] = t
	return t
}

func (n *MemoryNetwork) listenerAt(address models.Address) (*memoryListener, *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.endpoints[address.String()]
	if !ok {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener, t
}

// MemoryTransport is one named endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	name    string
	address models.Address

	mu       sync.Mutex
	listener *memoryListener
}

// Name is the display name remote endpoints see.
func (t *MemoryTransport) Name() string { return t.name }

// Address is the endpoint's address, valid before Listen.
func (t *MemoryTransport) Address() models.Address { return t.address }

func (t *MemoryTransport) Dial(ctx context.Context, address models.Address) (Conn, error) {
	l, remote := t.network.listenerAt(address)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	}

	client, server := net.Pipe()
	inbound := &memoryConn{Conn: server, remoteName: t.name, remoteAddr: t.address}
	select {
	case l.conns <- inbound:
	case <-l.done:
		_ = client.Close()
		_ = server.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
	return &memoryConn{Conn: client, remoteName: remote.name, remoteAddr: remote.address}, nil
}

func (t *MemoryTransport) Listen(ctx context.Context) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return nil, ErrAlreadyListening
	}
	l := &memoryListener{owner: t, conns: make(chan *memoryConn), done: make(chan struct{})}
	t.listener = l
	return l, nil
}

// Devices lists every other endpoint on the network that is listening.
func (t *MemoryTransport) Devices(ctx context.Context) ([]models.Device, error) {
	t.network.mu.Lock()
	peers := make([]*MemoryTransport, 0, len(t.network.endpoints))
	for _, endpoint := range t.network.endpoints {
		if endpoint != t {
			peers = append(peers, endpoint)
		}
	}
	t.network.mu.Unlock()

	devices := make([]models.Device, 0, len(peers))
	for _, endpoint := range peers {
		endpoint.mu.Lock()
		listening := endpoint.listener != nil
		endpoint.mu.Unlock()
		if !listening {
			continue
		}
		devices = append(devices, models.Device{
			Name:         endpoint.name,
			ServiceClass: MemoryServiceClass,
			Address:      endpoint.address,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

func (t *MemoryTransport) LocalAddress() models.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.address
}

type memoryListener struct {
	owner     *MemoryTransport
	conns     chan *memoryConn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.owner.mu.Lock()
		if l.owner.listener == l {
			l.owner.listener = nil
		}
		l.owner.mu.Unlock()
	})
	return nil
}

type memoryConn struct {
	net.Conn
	remoteName string
	remoteAddr models.Address
}

func (c *memoryConn) SetDeadline(t time.Time) error { return c.Conn.SetDeadline(t) }
func (c *memoryConn) RemoteName() string            { return c.remoteName }
func (c *memoryConn) RemoteAddress() models.Address { return c.remoteAddr }
