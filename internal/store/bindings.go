package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/opencane/gateway/internal/envelope"
)

// BindingStatus is the device binding lifecycle (spec.md §3).
type BindingStatus string

const (
	BindingRegistered BindingStatus = "registered"
	BindingBound      BindingStatus = "bound"
	BindingActivated  BindingStatus = "activated"
	BindingRevoked    BindingStatus = "revoked"
)

// DeviceBinding is the persisted auth record for one device.
type DeviceBinding struct {
	DeviceID      string
	Status        BindingStatus
	UserID        string
	ActivatedAtMs int64
	RevokedAtMs   int64
	RevokeReason  string
	Metadata      map[string]any
	CreatedAt     int64
	UpdatedAt     int64
}

// VerifyResult is what Verify returns: success/reason/the binding row.
type VerifyResult struct {
	Success bool
	Reason  string
	Binding *DeviceBinding
}

// deviceTokenClaims is the SPEC_FULL.md-supplemented signed device token
// format: HS256 JWT carrying device_id/user_id/iat, bcrypt-hashed at rest.
type deviceTokenClaims struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// Register inserts a device in the `registered` state, or is a no-op if it
// already exists.
func (d *LifelogDB) Register(ctx context.Context, deviceID string, metadata map[string]any) (*DeviceBinding, error) {
	d.Mu.Lock()
	now := envelope.NowMS()
	metaJSON, _ := json.Marshal(metadata)
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO device_bindings (device_id, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO NOTHING`,
		deviceID, string(BindingRegistered), string(metaJSON), now, now)
	d.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, deviceID)
}

// Bind attaches a user to a registered device, transitioning it to
// `bound`.
func (d *LifelogDB) Bind(ctx context.Context, deviceID, userID string) (*DeviceBinding, error) {
	d.Mu.Lock()
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE device_bindings SET status=?, user_id=?, updated_at=? WHERE device_id=?`,
		string(BindingBound), userID, envelope.NowMS(), deviceID)
	d.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, deviceID)
}

// Activate mints a signed device token, bcrypt-hashes it at rest, and
// transitions the binding to `activated`. secret is the server's JWT
// signing key.
func (d *LifelogDB) Activate(ctx context.Context, deviceID string, secret []byte) (*DeviceBinding, string, error) {
	binding, err := d.Get(ctx, deviceID)
	if err != nil {
		return nil, "", err
	}
	now := time.Now()
	claims := deviceTokenClaims{
		DeviceID: deviceID,
		UserID:   binding.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(signed), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	d.Mu.Lock()
	_, err = d.Conn.ExecContext(ctx,
		`UPDATE device_bindings SET status=?, token_hash=?, activated_at_ms=?, updated_at=? WHERE device_id=?`,
		string(BindingActivated), string(hash), now.UnixMilli(), now.UnixMilli(), deviceID)
	d.Mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	binding, err = d.Get(ctx, deviceID)
	return binding, signed, err
}

// Revoke transitions a binding to `revoked`, recording reason.
func (d *LifelogDB) Revoke(ctx context.Context, deviceID, reason string) (*DeviceBinding, error) {
	d.Mu.Lock()
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE device_bindings SET status=?, revoked_at_ms=?, revoke_reason=?, updated_at=? WHERE device_id=?`,
		string(BindingRevoked), envelope.NowMS(), reason, envelope.NowMS(), deviceID)
	d.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, deviceID)
}

// Get returns the binding for deviceID, or an error if absent.
func (d *LifelogDB) Get(ctx context.Context, deviceID string) (*DeviceBinding, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	row := d.Conn.QueryRowContext(ctx, `
		SELECT device_id, status, user_id, activated_at_ms, revoked_at_ms, revoke_reason, metadata_json, created_at, updated_at
		FROM device_bindings WHERE device_id = ?`, deviceID)
	return scanBinding(row)
}

// ListBindings returns up to limit bindings (100 when limit <= 0), most
// recently updated first.
func (d *LifelogDB) ListBindings(ctx context.Context, limit int) ([]DeviceBinding, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT device_id, status, user_id, activated_at_ms, revoked_at_ms, revoke_reason, metadata_json, created_at, updated_at
		FROM device_bindings ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceBinding
	for rows.Next() {
		b, err := scanBindingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// VerifyBinding checks a presented device token against the stored
// bcrypt hash, honoring requireActivated/allowUnbound the way spec.md's
// verify_device_binding does.
func (d *LifelogDB) VerifyBinding(ctx context.Context, deviceID, token string, requireActivated, allowUnbound bool) VerifyResult {
	if token == "" {
		return VerifyResult{Reason: "missing_token"}
	}
	d.Mu.Lock()
	row := d.Conn.QueryRowContext(ctx, `
		SELECT device_id, status, user_id, activated_at_ms, revoked_at_ms, revoke_reason, metadata_json, created_at, updated_at, token_hash
		FROM device_bindings WHERE device_id = ?`, deviceID)
	var b DeviceBinding
	var status, metaJSON, tokenHash string
	err := row.Scan(&b.DeviceID, &status, &b.UserID, &b.ActivatedAtMs, &b.RevokedAtMs, &b.RevokeReason, &metaJSON, &b.CreatedAt, &b.UpdatedAt, &tokenHash)
	d.Mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		if allowUnbound {
			return VerifyResult{Success: true, Reason: "unbound_allowed"}
		}
		return VerifyResult{Reason: "unknown_device"}
	}
	if err != nil {
		return VerifyResult{Reason: "store_unavailable"}
	}
	b.Status = BindingStatus(status)
	_ = json.Unmarshal([]byte(metaJSON), &b.Metadata)

	if b.Status == BindingRevoked {
		return VerifyResult{Reason: "revoked", Binding: &b}
	}
	if requireActivated && b.Status != BindingActivated {
		return VerifyResult{Reason: "not_activated", Binding: &b}
	}
	if tokenHash == "" {
		if allowUnbound {
			return VerifyResult{Success: true, Reason: "unbound_allowed", Binding: &b}
		}
		return VerifyResult{Reason: "no_token_on_file", Binding: &b}
	}
	if bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
		return VerifyResult{Reason: "invalid_token", Binding: &b}
	}
	return VerifyResult{Success: true, Binding: &b}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*DeviceBinding, error) {
	return scanBindingRows(row)
}

func scanBindingRows(row rowScanner) (*DeviceBinding, error) {
	var b DeviceBinding
	var status, metaJSON string
	if err := row.Scan(&b.DeviceID, &status, &b.UserID, &b.ActivatedAtMs, &b.RevokedAtMs, &b.RevokeReason, &metaJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("device binding not found")
		}
		return nil, err
	}
	b.Status = BindingStatus(status)
	_ = json.Unmarshal([]byte(metaJSON), &b.Metadata)
	return &b, nil
}

// StripBearer removes a "Bearer " prefix, case-insensitively, from a
// presented token header value.
func StripBearer(value string) string {
	const prefix = "bearer "
	if len(value) >= len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		return strings.TrimSpace(value[len(prefix):])
	}
	return strings.TrimSpace(value)
}
