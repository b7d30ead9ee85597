package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a control-API token. The local control server
// issues and verifies these itself with a shared HMAC secret; they are
// unrelated to the game server's access token.
//
// Two kinds of JWT pass through this package:
//   - Control tokens (Claims). We sign them, so we verify them fully:
//     signature, expiry and algorithm.
//   - The game server's access token (AccessClaims). We never hold its key,
//     so we only read it. See InspectAccessToken.
//
// Why embed jwt.RegisteredClaims?
//   - ExpiresAt, IssuedAt and Issuer come with it, and the parser checks
//     the expiry for us.
//   - Operator is the only field of our own.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed control-API JWT for operator, valid for ttl.
//
// Parameters:
//   - operator: a free-form name that shows up in the request log.
//   - secret: the HMAC key (CONTROL_JWT_SECRET).
//   - ttl: lifetime, e.g. 24 * time.Hour.
//
// The `lazerchat issue-token` subcommand is the only caller outside tests.
func GenerateToken(operator, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "lazerchat",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a control-API JWT and returns its claims.
//
// It verifies:
//  1. The signature matches secret.
//  2. The token has not expired.
//  3. The signing method is HMAC. A token that claims "none" or RS256 is
//     rejected before its signature is even looked at.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// AccessClaims is what the client can learn from the game server's access
// token without holding its signing key.
type AccessClaims struct {
	UserID    int64
	ExpiresAt time.Time
}

var ErrNoSubject = errors.New("access token has no numeric subject")

// InspectAccessToken decodes the game server's access token WITHOUT verifying
// its signature. The server verifies it on every request; the client only
// needs the subject (its own user id) and the expiry.
//
// Why is reading an unverified token acceptable here?
//   - Nothing is authorised on the strength of these claims. A forged
//     token gets the same 401 from the server as any other bad token.
//   - The user id only feeds the self-origin filter and the expiry only
//     saves a doomed connection attempt.
func InspectAccessToken(tokenString string) (AccessClaims, error) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &rc); err != nil {
		return AccessClaims{}, fmt.Errorf("decode access token: %w", err)
	}

	id, err := strconv.ParseInt(rc.Subject, 10, 64)
	if err != nil || id <= 0 {
		return AccessClaims{}, ErrNoSubject
	}

	out := AccessClaims{UserID: id}
	if rc.ExpiresAt != nil {
		out.ExpiresAt = rc.ExpiresAt.Time
	}
	return out, nil
}
