package network

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appcrypto "peerlink/crypto"
	"peerlink/models"
	"peerlink/protocol"
	"peerlink/storage"
	"peerlink/transport"
)

const (
	// PermissionPair gates PairNode.
	PermissionPair = "peerlink.pair"
	// PermissionUnpair gates UnpairNode.
	PermissionUnpair = "peerlink.unpair"

	defaultExchangeTimeout = 15 * time.Second
	defaultPendingTTL      = 5 * time.Minute
	defaultMaxClockSkew    = 5 * time.Minute
	acceptRetryDelay       = 100 * time.Millisecond
)

// ClaimsStore persists identities and the claims attached to them.
type ClaimsStore interface {
	CreateIdentity(name string) (int64, error)
	IdentityID(name string) (int64, error)
	AddClaim(identityID int64, claimType, value string) error
	GetClaim(identityID int64, claimType string) (*storage.Claim, error)
	RemoveClaim(identityID int64, claimType string) error
	ListClaims(claimType string) ([]storage.Claim, error)
}

// CodeProvider issues and checks time-based verification codes and derives
// the per-exchange one-time key from them.
type CodeProvider interface {
	Code(secret string, at time.Time) (string, error)
	Validate(code, secret string, at time.Time) (bool, error)
	SessionKey(secret string, identity uuid.UUID, at time.Time) ([]byte, error)
}

// Policy gates pairing and unpairing.
type Policy interface {
	Demand(ctx context.Context, permission string) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, permission string) error

func (f PolicyFunc) Demand(ctx context.Context, permission string) error { return f(ctx, permission) }

// Authenticator checks the credentials carried by an inbound pairing request.
type Authenticator interface {
	Authenticate(user, password string) error
}

// SeenStore records processed message IDs.
type SeenStore interface {
	MarkSeen(messageID, nodeID string, receivedAt int64) (bool, error)
}

// SecurityLog persists security-relevant outcomes.
type SecurityLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// PeerManagerOptions configures a PeerManager.
type PeerManagerOptions struct {
	// LocalNode must carry a bound ID and a display name. The display name is
	// what remote transports report for this node.
	LocalNode models.PeerNode

	Transport     transport.Transport
	Claims        ClaimsStore
	Codes         CodeProvider
	Policy        Policy
	Authenticator Authenticator
	Registry      *protocol.Registry

	// Seen enables replay rejection when set.
	Seen SeenStore
	// Security receives security events when set.
	Security SecurityLog
	Logger   *zerolog.Logger

	// ServiceClass filters Discover results; empty keeps every device.
	ServiceClass string

	// OnSending runs before each Send; returning true cancels it.
	OnSending func(node models.PeerNode, msg *protocol.Message) bool
	// OnReceiving runs after an inbound request is read; returning true
	// answers it with a NACK instead of dispatching it.
	OnReceiving func(node models.PeerNode, msg *protocol.Message) bool

	// Handlers are registered after the built-in ones.
	Handlers []protocol.Handler

	DisableCompression bool
	ExchangeTimeout    time.Duration
	PendingTTL         time.Duration
	MaxClockSkew       time.Duration
}

func (o PeerManagerOptions) withDefaults() PeerManagerOptions {
	out := o
	if out.Codes == nil {
		out.Codes = appcrypto.CodeGenerator{Period: appcrypto.DefaultCodePeriod, Skew: 1}
	}
	if out.Policy == nil {
		out.Policy = PolicyFunc(func(context.Context, string) error { return nil })
	}
	if out.Registry == nil {
		out.Registry = protocol.DefaultRegistry()
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	if out.ExchangeTimeout <= 0 {
		out.ExchangeTimeout = defaultExchangeTimeout
	}
	if out.PendingTTL <= 0 {
		out.PendingTTL = defaultPendingTTL
	}
	if out.MaxClockSkew <= 0 {
		out.MaxClockSkew = defaultMaxClockSkew
	}
	return out
}

func (o PeerManagerOptions) validate() error {
	if !o.LocalNode.Bound() {
		return errors.New("local node ID is required")
	}
	if o.LocalNode.DisplayName == "" {
		return errors.New("local node display name is required")
	}
	if o.Transport == nil {
		return errors.New("transport is required")
	}
	if o.Claims == nil {
		return errors.New("claims store is required")
	}
	if o.Authenticator == nil {
		return errors.New("authenticator is required")
	}
	return nil
}
