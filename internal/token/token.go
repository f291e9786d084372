// Package token implements the stateless verification handshake used for
// account activation and password reset links.
//
// A token is an HMAC over (purpose, user id, fingerprint, time bucket). It is
// never stored; verification recomputes the expected value for every bucket
// inside the configured validity window. Single use falls out of the
// fingerprint binding: the action a token authorises (activating the account,
// setting a new password) rewrites the fingerprint, so replaying the same
// token can no longer match.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"
	"time"
)

// Purpose salts the keyed hash so tokens minted for one flow cannot be
// replayed against another.
type Purpose string

const (
	// PurposeActivation marks tokens sent in account verification emails.
	PurposeActivation Purpose = "activation"
	// PurposeReset marks tokens sent in password reset emails.
	PurposeReset Purpose = "password-reset"
)

var (
	// ErrInvalidReference indicates the opaque user reference could not be
	// decoded or does not name an existing user.
	ErrInvalidReference = errors.New("token: invalid reference")
	// ErrExpired indicates the token matched a bucket outside the validity
	// window.
	ErrExpired = errors.New("token: expired")
	// ErrMismatch indicates the token matched no expected value.
	ErrMismatch = errors.New("token: mismatch")
)

// IsVerifyError reports whether err belongs to the handshake failure
// taxonomy. Callers present all three identically to the end user.
func IsVerifyError(err error) bool {
	return errors.Is(err, ErrInvalidReference) || errors.Is(err, ErrExpired) || errors.Is(err, ErrMismatch)
}

// Subject is the user state a token is bound to.
type Subject struct {
	ID          int64
	Fingerprint string
}

// Config parameterises an Engine. Secret and Purpose are mandatory.
type Config struct {
	Secret      []byte
	Purpose     Purpose
	BucketWidth time.Duration
	MaxAge      time.Duration
	Now         func() time.Time
}

// Engine issues and verifies handshake tokens for a single purpose.
type Engine struct {
	secret      []byte
	purpose     Purpose
	bucketWidth time.Duration
	maxAge      time.Duration
	now         func() time.Time
}

// NewEngine constructs an Engine, applying day-granularity buckets and a
// three-day validity window when the corresponding fields are unset.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: secret must be provided")
	}
	if cfg.Purpose == "" {
		return nil, errors.New("token: purpose must be provided")
	}
	e := &Engine{
		secret:      cfg.Secret,
		purpose:     cfg.Purpose,
		bucketWidth: cfg.BucketWidth,
		maxAge:      cfg.MaxAge,
		now:         cfg.Now,
	}
	if e.bucketWidth <= 0 {
		e.bucketWidth = 24 * time.Hour
	}
	if e.maxAge <= 0 {
		e.maxAge = 72 * time.Hour
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Issue mints a token bound to the subject's current fingerprint and the
// current time bucket, together with the opaque reference identifying the
// user. Nothing is persisted.
func (e *Engine) Issue(sub Subject) (ref, tok string) {
	return EncodeReference(sub.ID), e.encode(e.mac(sub, e.bucket(e.now())))
}

// Verify checks a supplied token against the subject's current fingerprint.
// The expected value is recomputed for every bucket in the validity window;
// each comparison is constant time. A match just outside the window reports
// ErrExpired, anything else ErrMismatch.
func (e *Engine) Verify(sub Subject, tok string) error {
	supplied, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(supplied) != sha256.Size {
		return ErrMismatch
	}

	cur := e.bucket(e.now())
	win := e.windowBuckets()
	for b := cur; b >= cur-win && b >= 0; b-- {
		if hmac.Equal(supplied, e.mac(sub, b)) {
			return nil
		}
	}
	// Probe one extra window of older buckets to tell a stale token apart
	// from a forged one. Beyond that horizon the distinction no longer
	// matters; both are rejected.
	for b := cur - win - 1; b >= cur-2*win && b >= 0; b-- {
		if hmac.Equal(supplied, e.mac(sub, b)) {
			return ErrExpired
		}
	}
	return ErrMismatch
}

// MaxAge exposes the configured validity window.
func (e *Engine) MaxAge() time.Duration {
	return e.maxAge
}

func (e *Engine) bucket(t time.Time) int64 {
	return t.Unix() / int64(e.bucketWidth/time.Second)
}

func (e *Engine) windowBuckets() int64 {
	n := int64(e.maxAge / e.bucketWidth)
	if e.maxAge%e.bucketWidth != 0 {
		n++
	}
	return n
}

func (e *Engine) mac(sub Subject, bucket int64) []byte {
	mac := hmac.New(sha256.New, e.secret)
	_, _ = mac.Write([]byte(e.purpose))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(strconv.FormatInt(sub.ID, 10)))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(sub.Fingerprint))
	_, _ = mac.Write([]byte{0})
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(bucket))
	_, _ = mac.Write(buf)
	return mac.Sum(nil)
}

func (e *Engine) encode(sum []byte) string {
	return base64.RawURLEncoding.EncodeToString(sum)
}

// EncodeReference converts a user ID into its URL-safe opaque form. The
// reference is reversible and carries no secret; it is only useful together
// with a matching token.
func EncodeReference(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// DecodeReference recovers a user ID from its opaque form.
func DecodeReference(ref string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return 0, ErrInvalidReference
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidReference
	}
	return id, nil
}

// Fingerprint derives the mutable user state a token is bound to. Changing
// the password hash or flipping the active flag yields a different value and
// therefore invalidates every outstanding token for the user.
func Fingerprint(passwordHash string, active bool) string {
	h := sha256.New()
	_, _ = h.Write([]byte(passwordHash))
	_, _ = h.Write([]byte{0})
	if active {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
