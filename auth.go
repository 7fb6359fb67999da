package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
)

// Auth verifies identity tokens issued by the application backend. A zero
// Auth has no key and is disabled.
type Auth struct {
	pubKey ed25519.PublicKey
}

// NewAuth decodes a base64url Ed25519 public key. An empty key disables
// token verification.
func NewAuth(pubKeyB64 string) (*Auth, error) {
	if pubKeyB64 == "" {
		return &Auth{}, nil
	}
	key, err := base64.RawURLEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode auth public key")
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return &Auth{pubKey: ed25519.PublicKey(key)}, nil
}

// Enabled reports whether tokens are verified.
func (a *Auth) Enabled() bool {
	return len(a.pubKey) != 0
}

// Claims represents the JWT payload of a room connection.
type Claims struct {
	RoomID    string `json:"room_id"`
	PlayerID  string `json:"player_id"`
	Role      string `json:"role"` // "player" or "spectator"
	Name      string `json:"name"`
	CreatedAt int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// jwtHeader is the fixed header for Ed25519-signed JWTs.
var jwtHeaderB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))

// ValidateJWT verifies a JWT signed with the configured Ed25519 key.
func (a *Auth) ValidateJWT(tokenStr string) (*Claims, error) {
	if !a.Enabled() {
		return nil, errors.New("token verification disabled")
	}

	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed JWT")
	}

	if parts[0] != jwtHeaderB64 {
		return nil, errors.New("unsupported JWT algorithm")
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.Wrap(err, "invalid signature encoding")
	}

	if !ed25519.Verify(a.pubKey, []byte(signingInput), sig) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.Wrap(err, "invalid claims encoding")
	}

	var claims Claims
	if err := sonic.ConfigFastest.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, errors.Wrap(err, "invalid claims JSON")
	}

	if claims.ExpiresAt > 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}

	if claims.RoomID == "" {
		return nil, errors.New("missing room_id")
	}
	switch claims.Role {
	case RolePlayer:
		if claims.PlayerID == "" {
			return nil, errors.New("missing player_id")
		}
	case RoleSpectator:
	default:
		return nil, errors.New("invalid role")
	}

	return &claims, nil
}

// SignJWT creates a JWT signed with Ed25519. Tokens are issued by the
// application backend; this is here for tests and the e2e client.
func SignJWT(claims *Claims, privateKey ed25519.PrivateKey) string {
	claimsJSON, _ := sonic.ConfigFastest.Marshal(claims)
	payloadB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := jwtHeaderB64 + "." + payloadB64
	sig := ed25519.Sign(privateKey, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}
