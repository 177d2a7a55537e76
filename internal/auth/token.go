// Package auth issues and verifies admin bearer tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"imgbed/internal/models"
)

const RoleAdmin = "admin"

var tokenHeader = mustEncodeSegment(map[string]string{"alg": "HS256", "typ": "JWT"})

type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Signer issues HS256 tokens in the compact three-segment form.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = models.DefaultTokenTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL reports how long issued tokens stay valid.
func (s *Signer) TTL() time.Duration { return s.ttl }

func (s *Signer) Issue(username string) (string, *Claims, error) {
	return s.issue(username, RoleAdmin)
}

// Refresh reissues a token for the same subject with a fresh expiry.
func (s *Signer) Refresh(c *Claims) (string, *Claims, error) {
	return s.issue(c.Username, c.Role)
}

func (s *Signer) issue(username, role string) (string, *Claims, error) {
	const op = "auth.Issue"

	now := s.now()
	claims := &Claims{
		Username: username,
		Role:     role,
		IssuedAt: now.Unix(),
		Expires:  now.Add(s.ttl).Unix(),
	}
	payload, err := encodeSegment(claims)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}
	unsigned := tokenHeader + "." + payload
	return unsigned + "." + s.sign(unsigned), claims, nil
}

// Verify checks signature, expiry and role, in that order.
func (s *Signer) Verify(token string) (*Claims, error) {
	const op = "auth.Verify"

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%s: %w: malformed token", op, models.ErrUnauthorized)
	}
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%s: %w: malformed signature", op, models.ErrUnauthorized)
	}
	want := s.mac(parts[0] + "." + parts[1])
	if !hmac.Equal(got, want) {
		return nil, fmt.Errorf("%s: %w: invalid signature", op, models.ErrUnauthorized)
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%s: %w: malformed claims", op, models.ErrUnauthorized)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%s: %w: malformed claims", op, models.ErrUnauthorized)
	}
	if s.now().Unix() >= claims.Expires {
		return nil, fmt.Errorf("%s: %w: token expired", op, models.ErrUnauthorized)
	}
	if claims.Role != RoleAdmin {
		return nil, fmt.Errorf("%s: %w: admin role required", op, models.ErrForbidden)
	}
	return &claims, nil
}

func (s *Signer) mac(unsigned string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(unsigned))
	return h.Sum(nil)
}

func (s *Signer) sign(unsigned string) string {
	return base64.RawURLEncoding.EncodeToString(s.mac(unsigned))
}

func encodeSegment(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func mustEncodeSegment(v any) string {
	s, err := encodeSegment(v)
	if err != nil {
		panic(err)
	}
	return s
}
