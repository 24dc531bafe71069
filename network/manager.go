// Package network implements pairing and trusted message exchange between
// nodes on top of a transport.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"peerlink/models"
	"peerlink/protocol"
	"peerlink/transport"
)

// PeerManager runs the pairing state machine, sends requests to paired nodes
// and answers inbound requests from a background receive loop.
type PeerManager struct {
	options    PeerManagerOptions
	log        zerolog.Logger
	dispatcher *protocol.Dispatcher
	trust      *trustCache

	lifecycleMu sync.Mutex
	running     atomic.Bool
	listener    transport.Listener
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[uuid.UUID]pendingPairing
}

type pendingPairing struct {
	node    models.PeerNode
	secret  string
	expires time.Time
}

// NewPeerManager validates options and builds a stopped manager.
func NewPeerManager(options PeerManagerOptions) (*PeerManager, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()

	m := &PeerManager{
		options: opts,
		log:     opts.Logger.With().Str("component", "peer_manager").Str("node_id", opts.LocalNode.ID.String()).Logger(),
		trust:   &trustCache{claims: opts.Claims},
		pending: make(map[uuid.UUID]pendingPairing),
	}

	handlers := []protocol.Handler{
		protocol.HandlerFunc(m.handlePair, protocol.TriggerPair),
		protocol.HandlerFunc(m.handlePairConfirm, protocol.TriggerPairConfirm),
		protocol.HandlerFunc(m.handleUnpair, protocol.TriggerUnpair),
		protocol.HandlerFunc(m.handlePing, protocol.TriggerPing),
	}
	m.dispatcher = protocol.NewDispatcher(append(handlers, opts.Handlers...)...)

	return m, nil
}

// LocalNode returns the local identity with its current transport address.
func (m *PeerManager) LocalNode() models.PeerNode {
	node := m.options.LocalNode
	if addr := m.options.Transport.LocalAddress(); addr != nil {
		node.Address = addr
	}
	return node
}

// Running reports whether the receive loop is active.
func (m *PeerManager) Running() bool {
	return m.running.Load()
}

// Start opens the transport listener and launches the receive loop.
func (m *PeerManager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running.Load() {
		return nil
	}

	listener, err := m.options.Transport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.listener = listener
	m.running.Store(true)

	m.wg.Add(1)
	go m.receiveLoop(m.ctx, m.cancel, listener)

	m.log.Info().Str("address", m.LocalNode().Address.String()).Msg("listener started")
	return nil
}

// Stop clears the running flag, closes the listener and waits for the
// receive loop and in-flight connections to finish.
func (m *PeerManager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	if err := m.listener.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close listener")
	}
	m.wg.Wait()
	m.listener = nil
	m.log.Info().Msg("listener stopped")
}

func (m *PeerManager) receiveLoop(ctx context.Context, cancel context.CancelFunc, listener transport.Listener) {
	defer m.wg.Done()

	for m.running.Load() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				// Closed underneath us rather than by Stop.
				if m.running.CompareAndSwap(true, false) {
					m.log.Error().Err(err).Msg("listener failed, receive loop stopped")
					cancel()
					_ = listener.Close()
				}
				return
			}
			if !m.running.Load() {
				return
			}
			m.log.Warn().Err(err).Msg("accept connection")
			select {
			case <-time.After(acceptRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !m.running.Load() {
			_ = conn.Close()
			return
		}

		m.wg.Add(1)
		go m.handleConn(ctx, conn)
	}
}

// exchangeFlags returns the codec flags for outbound messages.
func (m *PeerManager) exchangeFlags() protocol.Flags {
	if m.options.DisableCompression {
		return 0
	}
	return protocol.FlagCompressed
}

func (m *PeerManager) addPending(node models.PeerNode, secret string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.prunePendingLocked(time.Now())
	m.pending[node.ID] = pendingPairing{
		node:    node,
		secret:  secret,
		expires: time.Now().Add(m.options.PendingTTL),
	}
}

func (m *PeerManager) pendingFor(id uuid.UUID) (pendingPairing, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.prunePendingLocked(time.Now())
	p, ok := m.pending[id]
	return p, ok
}

func (m *PeerManager) takePending(id uuid.UUID) (pendingPairing, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.prunePendingLocked(time.Now())
	p, ok := m.pending[id]
	delete(m.pending, id)
	return p, ok
}

func (m *PeerManager) prunePendingLocked(now time.Time) {
	for id, p := range m.pending {
		if now.After(p.expires) {
			delete(m.pending, id)
		}
	}
}
