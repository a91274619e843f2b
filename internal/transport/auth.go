package transport

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	stdsync "sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	deviceTokenType = "device_sync"
	deviceTokenInfo = "girosync device token v1"
	defaultTokenTTL = time.Hour
)

// DeviceClaims identify the device in every sync request
type DeviceClaims struct {
	LicenseKey string `json:"lic"`
	HardwareID string `json:"hwid"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

// DeriveDeviceKey derives the token signing key. The device secret is the
// input key material when set, otherwise the license key; the hardware id
// is the salt, so each device signs with its own key.
func DeriveDeviceKey(deviceSecret, licenseKey, hardwareID string) ([]byte, error) {
	ikm := deviceSecret
	if ikm == "" {
		ikm = licenseKey
	}
	if ikm == "" {
		return nil, errors.New("license key or device secret required")
	}
	if hardwareID == "" {
		return nil, errors.New("hardware id required")
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(ikm), []byte(hardwareID), []byte(deviceTokenInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive device key: %w", err)
	}
	return key, nil
}

// TokenSource issues device tokens and reuses one until shortly before it
// expires
type TokenSource struct {
	mu         stdsync.Mutex
	key        []byte
	licenseKey string
	hardwareID string
	ttl        time.Duration
	now        func() time.Time

	cached  string
	expires time.Time
}

// NewTokenSource creates a token source for this device
func NewTokenSource(deviceSecret, licenseKey, hardwareID string, ttl time.Duration) (*TokenSource, error) {
	key, err := DeriveDeviceKey(deviceSecret, licenseKey, hardwareID)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenSource{
		key:        key,
		licenseKey: licenseKey,
		hardwareID: hardwareID,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// Token returns a valid signed token
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.cached != "" && now.Add(ts.ttl/10).Before(ts.expires) {
		return ts.cached, nil
	}

	expires := now.Add(ts.ttl)
	claims := DeviceClaims{
		LicenseKey: ts.licenseKey,
		HardwareID: ts.hardwareID,
		Type:       deviceTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ts.hardwareID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}
	ts.cached, ts.expires = signed, expires
	return signed, nil
}

// ValidateDeviceToken checks a device token against the derived key and
// returns its claims
func ValidateDeviceToken(tokenString string, key []byte) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Type != deviceTokenType {
		return nil, fmt.Errorf("invalid token type")
	}
	return claims, nil
}
