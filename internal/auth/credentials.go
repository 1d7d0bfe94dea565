package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is the logged-in user's session identity as carried by the
// backend-issued access token.
type Credentials struct {
	AccessToken string
	UserId      int64
	Role        string
	ExpiresAt   time.Time
}

// FromAccessToken extracts identity and expiry from a backend JWT without
// verifying the signature. Verification is the server's job; the client only
// needs to know who it is and whether the token is already dead before it
// spends a connection attempt on it.
func FromAccessToken(token string) (*Credentials, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("malformed access token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type in access token")
	}

	creds := &Credentials{AccessToken: token}

	if v, ok := claims["user_id"]; ok {
		switch id := v.(type) {
		case float64:
			creds.UserId = int64(id)
		case string:
			// Some token issuers stringify numeric IDs.
			if _, err := fmt.Sscan(id, &creds.UserId); err != nil {
				return nil, fmt.Errorf("non-numeric user_id claim: %q", id)
			}
		}
	}
	if role, ok := claims["role"].(string); ok {
		creds.Role = role
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		creds.ExpiresAt = exp.Time
	}

	return creds, nil
}

// Expired reports whether the access token is past its expiry. Tokens
// without an exp claim never report expired.
func (c *Credentials) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// IsDoctor and IsPatient map the role claim onto the consultation actors.
func (c *Credentials) IsDoctor() bool  { return c.Role == "doctor" }
func (c *Credentials) IsPatient() bool { return c.Role == "patient" }
