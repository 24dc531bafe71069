package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultCodePeriod is the validity window of one verification code.
	DefaultCodePeriod = 30 * time.Second
	// OneTimeKeySize is the length of a derived one-time key.
	OneTimeKeySize = 32

	oneTimeKeyInfo = "peerlink one-time key v1|"
)

// CodeGenerator produces time-based verification codes from a shared secret.
type CodeGenerator struct {
	// Period is the code validity window; DefaultCodePeriod when zero.
	Period time.Duration
	// Skew is the number of neighbouring windows Validate accepts.
	Skew uint
}

func (g CodeGenerator) periodSeconds() int64 {
	seconds := int64(g.Period / time.Second)
	if seconds <= 0 {
		seconds = int64(DefaultCodePeriod / time.Second)
	}
	return seconds
}

func (g CodeGenerator) options() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(g.periodSeconds()),
		Skew:      g.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Window returns the index of the code window containing at.
func (g CodeGenerator) Window(at time.Time) int64 {
	return at.Unix() / g.periodSeconds()
}

// Code returns the verification code for secret at the given time.
func (g CodeGenerator) Code(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, g.options())
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return code, nil
}

// CodeForWindow returns the verification code for one window index.
func (g CodeGenerator) CodeForWindow(secret string, window int64) (string, error) {
	return g.Code(secret, time.Unix(window*g.periodSeconds(), 0))
}

// Validate checks a code against secret, allowing Skew windows either side.
func (g CodeGenerator) Validate(code, secret string, at time.Time) (bool, error) {
	ok, err := totp.ValidateCustom(code, secret, at, g.options())
	if err != nil {
		return false, fmt.Errorf("validate verification code: %w", err)
	}
	return ok, nil
}

// SessionKey derives the one-time key for an exchange addressed to identity.
func (g CodeGenerator) SessionKey(secret string, identity uuid.UUID, at time.Time) ([]byte, error) {
	window := g.Window(at)
	code, err := g.CodeForWindow(secret, window)
	if err != nil {
		return nil, err
	}
	return DeriveOneTimeKey(code, identity, window)
}

// DeriveOneTimeKey stretches a verification code into a symmetric key bound to
// the recipient identity and the code window.
func DeriveOneTimeKey(code string, identity uuid.UUID, window int64) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("derive one-time key: code is required")
	}

	info := make([]byte, len(oneTimeKeyInfo)+8)
	copy(info, oneTimeKeyInfo)
	binary.BigEndian.PutUint64(info[len(oneTimeKeyInfo):], uint64(window))

	reader := hkdf.New(sha256.New, []byte(code), identity[:], info)
	key := make([]byte, OneTimeKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive one-time key: %w", err)
	}
	return key, nil
}
