package network

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	appcrypto "peerlink/crypto"
	"peerlink/models"
	"peerlink/storage"
	"peerlink/transport"
)

const (
	testUser     = "admin"
	testPassword = "correct horse"
)

var testPasswordHash = sync.OnceValue(func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
})

type testNode struct {
	manager   *PeerManager
	store     *storage.Store
	transport *transport.MemoryTransport
}

// peer is how other nodes address this one before pairing.
func (n *testNode) peer() models.PeerNode {
	return models.PeerNode{DisplayName: n.transport.Name(), Address: n.transport.Address()}
}

func (n *testNode) id() uuid.UUID {
	return n.manager.LocalNode().ID
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, name string, tweak func(*PeerManagerOptions)) *testNode {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store for %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store for %s: %v", name, err)
		}
	})

	endpoint := network.Endpoint(name)
	options := PeerManagerOptions{
		LocalNode:       models.PeerNode{ID: uuid.New(), DisplayName: name},
		Transport:       endpoint,
		Claims:          store,
		Authenticator:   appcrypto.StaticCredentials{User: testUser, PasswordHash: testPasswordHash()},
		Security:        store,
		ExchangeTimeout: 2 * time.Second,
	}
	if tweak != nil {
		tweak(&options)
	}

	manager, err := NewPeerManager(options)
	if err != nil {
		t.Fatalf("NewPeerManager(%s) failed: %v", name, err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) failed: %v", name, err)
	}
	t.Cleanup(manager.Stop)

	return &testNode{manager: manager, store: store, transport: endpoint}
}

func pairNodes(t *testing.T, initiator, acceptor *testNode) models.PeerNode {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	paired, err := initiator.manager.PairNode(ctx, acceptor.peer(), testUser, testPassword)
	if err != nil {
		t.Fatalf("PairNode failed: %v", err)
	}
	return paired
}

func claimCount(t *testing.T, store *storage.Store, id uuid.UUID) int {
	t.Helper()

	identityID, err := store.IdentityID(identityName(id))
	if err != nil {
		return 0
	}
	count, err := store.CountClaims(identityID)
	if err != nil {
		t.Fatalf("CountClaims failed: %v", err)
	}
	return count
}

func securityEventCount(t *testing.T, store *storage.Store, eventType string) int {
	t.Helper()

	events, err := store.GetSecurityEvents(storage.SecurityEventFilter{EventType: eventType})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	return len(events)
}

// countingTransport records outbound dials.
type countingTransport struct {
	transport.Transport
	dials atomic.Int32
}

func (c *countingTransport) Dial(ctx context.Context, address models.Address) (transport.Conn, error) {
	c.dials.Add(1)
	return c.Transport.Dial(ctx, address)
}

// brokenListener fails its Accept once broken is closed, as a dead socket would.
type brokenListener struct {
	broken    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *brokenListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-l.broken:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *brokenListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type brokenTransport struct {
	transport.Transport
	listener *brokenListener
}

func (b *brokenTransport) Listen(ctx context.Context) (transport.Listener, error) {
	return b.listener, nil
}
