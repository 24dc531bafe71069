package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	appcrypto "peerlink/crypto"
	"peerlink/models"
	"peerlink/protocol"
	"peerlink/transport"
)

func TestPairPingUnpairEndToEnd(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)
	bob := newTestNode(t, network, "bob", nil)

	if nodes, _ := alice.manager.PairedNodes(); len(nodes) != 0 {
		t.Fatalf("expected empty cache before pairing, got %+v", nodes)
	}

	paired := pairNodes(t, alice, bob)
	if paired.ID != bob.id() || paired.DisplayName != "bob" {
		t.Fatalf("unexpected paired node %+v", paired)
	}

	nodes, err := alice.manager.PairedNodes()
	if err != nil {
		t.Fatalf("PairedNodes failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != bob.id() {
		t.Fatalf("expected exactly bob in alice's cache, got %+v", nodes)
	}
	if got := claimCount(t, alice.store, bob.id()); got != 2 {
		t.Fatalf("expected 2 claims for bob on alice, got %d", got)
	}
	if got := claimCount(t, bob.store, alice.id()); got != 2 {
		t.Fatalf("expected 2 claims for alice on bob, got %d", got)
	}
	if _, ok := bob.manager.LookupNode(alice.id()); !ok {
		t.Fatalf("expected bob to cache alice")
	}
	if securityEventCount(t, bob.store, "pairing_completed") != 1 {
		t.Fatalf("expected pairing_completed security event on bob")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := alice.manager.Ping(ctx, paired); err != nil {
		t.Fatalf("alice ping failed: %v", err)
	}
	aliceOnBob, _ := bob.manager.LookupNode(alice.id())
	if _, err := bob.manager.Ping(ctx, aliceOnBob); err != nil {
		t.Fatalf("bob ping failed: %v", err)
	}

	if err := alice.manager.UnpairNode(ctx, paired); err != nil {
		t.Fatalf("UnpairNode failed: %v", err)
	}
	if nodes, _ := alice.manager.PairedNodes(); len(nodes) != 0 {
		t.Fatalf("expected alice cache empty after unpair, got %+v", nodes)
	}
	if nodes, _ := bob.manager.PairedNodes(); len(nodes) != 0 {
		t.Fatalf("expected bob cache empty after unpair, got %+v", nodes)
	}
	if claimCount(t, alice.store, bob.id()) != 0 || claimCount(t, bob.store, alice.id()) != 0 {
		t.Fatalf("expected claims removed on both sides")
	}

	if _, err := alice.manager.Ping(ctx, paired); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown after unpair, got %v", err)
	}
}

func TestPairNodeRejectsAlreadyPaired(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)
	bob := newTestNode(t, network, "bob", nil)
	pairNodes(t, alice, bob)

	_, err := alice.manager.PairNode(context.Background(), bob.peer(), testUser, testPassword)
	if !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("expected ErrAlreadyPaired, got %v", err)
	}
}

func TestPairNodeWithBadCredentials(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)
	bob := newTestNode(t, network, "bob", nil)

	_, err := alice.manager.PairNode(context.Background(), bob.peer(), testUser, "wrong")
	var issue *DetectedIssueError
	if !errors.As(err, &issue) {
		t.Fatalf("expected DetectedIssueError, got %v", err)
	}
	if issue.Trigger != protocol.TriggerPair || issue.Outcome != protocol.OutcomeError {
		t.Fatalf("unexpected issue %+v", issue)
	}

	if nodes, _ := alice.manager.PairedNodes(); len(nodes) != 0 {
		t.Fatalf("expected no paired nodes on alice, got %+v", nodes)
	}
	if claimCount(t, alice.store, bob.id()) != 0 {
		t.Fatalf("expected no claims on alice")
	}
	if securityEventCount(t, bob.store, "pairing_rejected") != 1 {
		t.Fatalf("expected pairing_rejected security event on bob")
	}
}

func TestPairNodeRollsBackWhenConfirmationIsRejected(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)

	remote := network.Endpoint("mallory")
	remoteID := uuid.New()
	listener, err := remote.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	scripted := make(chan error, 1)
	go func() {
		scripted <- runRejectingRemote(listener, remoteID)
	}()

	_, err = alice.manager.PairNode(context.Background(), models.PeerNode{DisplayName: "mallory", Address: remote.Address()}, testUser, testPassword)
	var issue *DetectedIssueError
	if !errors.As(err, &issue) {
		t.Fatalf("expected DetectedIssueError, got %v", err)
	}
	if issue.Trigger != protocol.TriggerPairConfirm || issue.Detail != "confirmation refused" {
		t.Fatalf("unexpected issue %+v", issue)
	}
	if err := <-scripted; err != nil {
		t.Fatalf("scripted remote failed: %v", err)
	}

	if nodes, _ := alice.manager.PairedNodes(); len(nodes) != 0 {
		t.Fatalf("expected rollback to empty the cache, got %+v", nodes)
	}
	if got := claimCount(t, alice.store, remoteID); got != 0 {
		t.Fatalf("expected rollback to remove both claims, %d left", got)
	}
	if securityEventCount(t, alice.store, "pairing_confirmation_failed") != 1 {
		t.Fatalf("expected pairing_confirmation_failed security event on alice")
	}
}

// runRejectingRemote accepts a pairing request, then answers the signed
// confirmation with a signed NACK.
func runRejectingRemote(listener transport.Listener, remoteID uuid.UUID) error {
	secret, err := acceptPairingRequest(listener, remoteID)
	if err != nil {
		return err
	}
	conn, confirmation, key, err := acceptSigned(listener, secret, remoteID)
	if err != nil {
		return err
	}
	defer conn.Close()
	if confirmation.Trigger != protocol.TriggerPairConfirm {
		return errors.New("expected confirmation trigger, got " + confirmation.Trigger)
	}
	nack := protocol.NewNack(confirmation, protocol.SeverityWarning, "confirmation refused")
	return protocol.WriteMessage(conn, nack, protocol.FlagCompressed, key)
}

// runMisroutingRemote completes pairing, then answers the next request with
// an ack that is correctly signed but addressed to another node.
func runMisroutingRemote(listener transport.Listener, remoteID uuid.UUID) error {
	secret, err := acceptPairingRequest(listener, remoteID)
	if err != nil {
		return err
	}
	conn, confirmation, key, err := acceptSigned(listener, secret, remoteID)
	if err != nil {
		return err
	}
	err = protocol.WriteMessage(conn, protocol.NewAck(confirmation, "paired"), protocol.FlagCompressed, key)
	conn.Close()
	if err != nil {
		return err
	}

	conn, request, key, err := acceptSigned(listener, secret, remoteID)
	if err != nil {
		return err
	}
	defer conn.Close()
	reply := protocol.NewAck(request, "")
	reply.Destination = uuid.New()
	return protocol.WriteMessage(conn, reply, protocol.FlagCompressed, key)
}

// acceptPairingRequest answers one unsigned pairing request as remoteID and
// returns the secret it handed out.
func acceptPairingRequest(listener transport.Listener, remoteID uuid.UUID) (string, error) {
	secret, err := appcrypto.NewSharedSecret()
	if err != nil {
		return "", err
	}

	conn, err := listener.Accept(context.Background())
	if err != nil {
		return "", err
	}
	defer conn.Close()

	request, err := protocol.ReadMessage(conn, nil, nil, false)
	if err != nil {
		return "", err
	}
	response := protocol.NewResponse(request, protocol.TriggerAck, &protocol.PairingResponse{
		NodeID:   remoteID,
		NodeName: "mallory",
		Secret:   secret,
	})
	if err := protocol.WriteMessage(conn, response, protocol.FlagCompressed, nil); err != nil {
		return "", err
	}
	return secret, nil
}

// acceptSigned reads one request signed for remoteID and leaves the
// connection open for the reply.
func acceptSigned(listener transport.Listener, secret string, remoteID uuid.UUID) (transport.Conn, *protocol.Message, []byte, error) {
	conn, err := listener.Accept(context.Background())
	if err != nil {
		return nil, nil, nil, err
	}

	var key []byte
	request, err := protocol.ReadMessageFunc(conn, nil, func(header *protocol.Message) ([]byte, bool, error) {
		k, err := appcrypto.CodeGenerator{}.SessionKey(secret, remoteID, header.OriginationTime)
		key = k
		return k, true, err
	})
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return conn, request, key, nil
}

func TestSendRejectsMisroutedReply(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)

	remote := network.Endpoint("mallory")
	remoteID := uuid.New()
	listener, err := remote.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	scripted := make(chan error, 1)
	go func() {
		scripted <- runMisroutingRemote(listener, remoteID)
	}()

	paired, err := alice.manager.PairNode(context.Background(), models.PeerNode{DisplayName: "mallory", Address: remote.Address()}, testUser, testPassword)
	if err != nil {
		t.Fatalf("PairNode failed: %v", err)
	}
	_, err = alice.manager.Send(context.Background(), paired, protocol.NewMessage(protocol.TriggerPing, &protocol.Acknowledgement{
		Outcome:  protocol.OutcomeOK,
		Severity: protocol.SeverityInfo,
	}))
	if !errors.Is(err, ErrAssertionMismatch) {
		t.Fatalf("expected ErrAssertionMismatch, got %v", err)
	}
	if err := <-scripted; err != nil {
		t.Fatalf("scripted remote failed: %v", err)
	}
}

func TestUnpairNackKeepsTrust(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)
	bob := newTestNode(t, network, "bob", func(o *PeerManagerOptions) {
		o.OnReceiving = func(node models.PeerNode, msg *protocol.Message) bool {
			return msg.Trigger == protocol.TriggerUnpair
		}
	})

	paired := pairNodes(t, alice, bob)

	err := alice.manager.UnpairNode(context.Background(), paired)
	var issue *DetectedIssueError
	if !errors.As(err, &issue) {
		t.Fatalf("expected DetectedIssueError, got %v", err)
	}
	if issue.Trigger != protocol.TriggerUnpair {
		t.Fatalf("unexpected issue %+v", issue)
	}

	nodes, err := alice.manager.PairedNodes()
	if err != nil {
		t.Fatalf("PairedNodes failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != bob.id() {
		t.Fatalf("expected bob to stay paired on alice, got %+v", nodes)
	}
	if got := claimCount(t, alice.store, bob.id()); got != 2 {
		t.Fatalf("expected 2 claims for bob on alice, got %d", got)
	}
}

func TestPairNodeReportsExpiredPendingPairing(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)
	bob := newTestNode(t, network, "bob", func(o *PeerManagerOptions) {
		o.PendingTTL = time.Nanosecond
	})

	_, err := alice.manager.PairNode(context.Background(), bob.peer(), testUser, testPassword)
	var issue *DetectedIssueError
	if !errors.As(err, &issue) {
		t.Fatalf("expected DetectedIssueError, got %v", err)
	}
	if issue.Trigger != protocol.TriggerPairConfirm || !strings.Contains(issue.Detail, "no pending pairing") {
		t.Fatalf("unexpected issue %+v", issue)
	}

	if nodes, _ := alice.manager.PairedNodes(); len(nodes) != 0 {
		t.Fatalf("expected rollback to empty the cache, got %+v", nodes)
	}
	if got := claimCount(t, alice.store, bob.id()); got != 0 {
		t.Fatalf("expected rollback to remove both claims, %d left", got)
	}
}

func TestPairNodeDeniedByPolicy(t *testing.T) {
	network := transport.NewMemoryNetwork()
	refused := errors.New("operator locked pairing")
	alice := newTestNode(t, network, "alice", func(o *PeerManagerOptions) {
		o.Policy = PolicyFunc(func(ctx context.Context, permission string) error {
			if permission == PermissionPair {
				return refused
			}
			return nil
		})
	})
	bob := newTestNode(t, network, "bob", nil)

	if _, err := alice.manager.PairNode(context.Background(), bob.peer(), testUser, testPassword); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestUnpairUnknownNode(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice := newTestNode(t, network, "alice", nil)
	bob := newTestNode(t, network, "bob", nil)

	if err := alice.manager.UnpairNode(context.Background(), bob.peer()); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}
