package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are carried by the token a worker presents on every session.
// The subject is the node id.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// SignSession mints a session token for nodeID with the node's secret. Workers
// call this locally; the secret itself never leaves the node after registration.
func SignSession(nodeID, secret string, ttl time.Duration, now time.Time) (string, error) {
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// parseSession checks the signature against secret and that the token was
// issued for nodeID. Tokens living longer than maxTTL are refused.
func parseSession(tokenString, nodeID, secret string, now time.Time, maxTTL time.Duration) error {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(nodeID),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return err
	}
	if claims.Subject != nodeID {
		return fmt.Errorf("token subject %q does not match node %q", claims.Subject, nodeID)
	}
	if maxTTL > 0 {
		if claims.IssuedAt == nil {
			return fmt.Errorf("token has no iat")
		}
		if life := claims.ExpiresAt.Sub(claims.IssuedAt.Time); life > maxTTL {
			return fmt.Errorf("token lifetime %s exceeds %s", life, maxTTL)
		}
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken is how registration tokens are keyed at rest.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
