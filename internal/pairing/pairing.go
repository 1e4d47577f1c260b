// Package pairing bootstraps the trust relationship between this host
// and the mobile companion from a scanned trust token.
package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinstash/tether/internal/crypto"
	"github.com/coinstash/tether/internal/directory"
	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/rowstore"
)

// Code identifies why pairing was rejected.
type Code string

const (
	CodeInvalidQR        Code = "INVALID_QR"
	CodeExpiredQR        Code = "EXPIRED_QR"
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeUserMismatch     Code = "USER_MISMATCH"
	CodeStorageFailed    Code = "STORAGE_FAILED"
)

// Error is a pairing failure with a stable machine-readable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pairing: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("pairing: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// TrustToken is the decoded payload of a pairing QR code: base64 over
// JSON, produced by the mobile app for a signed-in account.
type TrustToken struct {
	UserID     string `json:"user_id"`
	MachineID  string `json:"machine_id"`
	DeviceName string `json:"device_name,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	PushToken  string `json:"push_token,omitempty"`
	ExpiresAt  int64  `json:"expires_at"` // unix seconds
}

// EncodeToken renders a trust token in the scanned wire form.
func EncodeToken(tok *TrustToken) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Options configures a Bootstrap.
type Options struct {
	Store    keystore.Store
	Crypto   *crypto.Service
	Dir      *directory.Client
	Rows     *rowstore.Client
	DeviceID string
	// UserID is the locally authenticated account, empty when the host
	// has no credentials yet.
	UserID string
	Logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Bootstrap runs the pairing pipeline.
type Bootstrap struct {
	opts Options
}

// NewBootstrap creates a pairing bootstrap.
func NewBootstrap(opts Options) *Bootstrap {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Bootstrap{opts: opts}
}

// Pair validates a scanned trust token and persists the pairing. The
// pipeline is strictly ordered: decode, structural validation, expiry,
// local auth, owner match, persist. Nothing is written before the
// persist step, so a rejected token leaves no trace. Steps after
// persistence (key exchange, push registration) are best-effort: their
// failure degrades the pairing but never rolls it back.
func (b *Bootstrap) Pair(ctx context.Context, token string) (*keystore.PairingRecord, error) {
	tok, err := decodeToken(token)
	if err != nil {
		return nil, err
	}

	if tok.UserID == "" || tok.MachineID == "" {
		return nil, newError(CodeInvalidPayload, "token is missing user or machine identity", nil)
	}
	if tok.ExpiresAt == 0 {
		return nil, newError(CodeInvalidPayload, "token has no expiry", nil)
	}

	if b.opts.now().Unix() >= tok.ExpiresAt {
		return nil, newError(CodeExpiredQR, "token has expired, generate a fresh QR code", nil)
	}

	if b.opts.UserID == "" {
		return nil, newError(CodeNotAuthenticated, "sign in before pairing", nil)
	}
	if tok.UserID != b.opts.UserID {
		return nil, newError(CodeUserMismatch, "token belongs to a different account", nil)
	}

	rec := &keystore.PairingRecord{
		LocalUserID:      tok.UserID,
		RemoteMachineID:  tok.MachineID,
		RemoteDeviceName: tok.DeviceName,
		RemoteEndpoint:   tok.Endpoint,
		PairedAt:         b.opts.now(),
	}
	if err := keystore.SavePairing(b.opts.Store, rec); err != nil {
		return nil, newError(CodeStorageFailed, "failed to persist pairing record", err)
	}

	b.opts.Logger.Info("paired",
		logging.KeyDeviceID, rec.RemoteMachineID,
		"device_name", rec.RemoteDeviceName)

	b.exchangeKeys(ctx, rec)
	b.registerPush(ctx, tok)

	return rec, nil
}

// exchangeKeys publishes our public key and prefetches the
// counterpart's. Either side can lag; the relay degrades to plaintext
// until both keys are in the directory.
func (b *Bootstrap) exchangeKeys(ctx context.Context, rec *keystore.PairingRecord) {
	if b.opts.Crypto == nil {
		return
	}

	if err := b.opts.Crypto.RegisterPublicKey(ctx, b.opts.DeviceID); err != nil {
		b.opts.Logger.Warn("key registration failed, continuing unencrypted",
			logging.KeyError, err)
	}

	if b.opts.Dir != nil {
		if _, err := b.opts.Dir.Lookup(ctx, rec.RemoteMachineID); err != nil {
			b.opts.Logger.Warn("counterpart key not yet available",
				logging.KeyDeviceID, rec.RemoteMachineID,
				logging.KeyError, err)
		}
	}
}

// registerPush forwards the mobile device's push token, when the token
// carried one, so queued traffic can nudge the phone.
func (b *Bootstrap) registerPush(ctx context.Context, tok *TrustToken) {
	if b.opts.Rows == nil || tok.PushToken == "" {
		return
	}
	if err := b.opts.Rows.RegisterPushToken(ctx, tok.MachineID, tok.PushToken); err != nil {
		b.opts.Logger.Warn("push token registration failed",
			logging.KeyDeviceID, tok.MachineID,
			logging.KeyError, err)
	}
}

// Unpair destroys the pairing and all cached key material for it.
func (b *Bootstrap) Unpair(ctx context.Context) error {
	rec, err := keystore.LoadPairing(b.opts.Store)
	if err != nil {
		if err == keystore.ErrNotPaired {
			return nil
		}
		return err
	}

	if err := keystore.DeletePairing(b.opts.Store); err != nil {
		return newError(CodeStorageFailed, "failed to delete pairing record", err)
	}

	if b.opts.Crypto != nil {
		b.opts.Crypto.ClearCache()
	}

	b.opts.Logger.Info("unpaired", logging.KeyDeviceID, rec.RemoteMachineID)
	return nil
}

// decodeToken unwraps the base64 JSON trust token. Both standard and
// URL-safe alphabets appear in the wild depending on how the QR was
// rendered.
func decodeToken(token string) (*TrustToken, error) {
	if token == "" {
		return nil, newError(CodeInvalidQR, "empty token", nil)
	}

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(token)
	}
	if err != nil {
		return nil, newError(CodeInvalidQR, "token is not valid base64", err)
	}

	var tok TrustToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, newError(CodeInvalidQR, "token payload is not valid JSON", err)
	}
	return &tok, nil
}
