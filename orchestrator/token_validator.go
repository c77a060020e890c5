// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultKeyID is used for tokens issued before key-ID rotation was
// introduced; they verify against the primary secret.
const defaultKeyID = "primary"

// TokenValidator verifies bearer tokens and decodes AccessClaims.
// It is a pure function of the token and the current trusted key set:
// no side effects, nothing persisted.
type TokenValidator struct {
	mu   sync.RWMutex
	keys map[string][]byte // key-ID -> HMAC secret
}

// NewTokenValidator creates a validator trusting the given key set.
func NewTokenValidator(keys map[string][]byte) *TokenValidator {
	trusted := make(map[string][]byte, len(keys))
	for kid, secret := range keys {
		trusted[kid] = secret
	}
	return &TokenValidator{keys: trusted}
}

// NewTokenValidatorFromEnv builds the trust set from JWT_SECRET (primary
// key) and the optional JWT_SIGNING_KEYS list ("kid1:secret1,kid2:secret2").
func NewTokenValidatorFromEnv() *TokenValidator {
	keys := make(map[string][]byte)
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		keys[defaultKeyID] = []byte(secret)
	}
	for _, pair := range strings.Split(os.Getenv("JWT_SIGNING_KEYS"), ",") {
		kid, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && kid != "" && secret != "" {
			keys[kid] = []byte(secret)
		}
	}
	return NewTokenValidator(keys)
}

// RotateKeys replaces the trusted key set. Tokens signed with a key-ID
// that is no longer present are rejected as revoked.
func (v *TokenValidator) RotateKeys(keys map[string][]byte) {
	trusted := make(map[string][]byte, len(keys))
	for kid, secret := range keys {
		trusted[kid] = secret
	}
	v.mu.Lock()
	v.keys = trusted
	v.mu.Unlock()
}

// Validate verifies the raw bearer token and returns the decoded claims.
func (v *TokenValidator) Validate(rawToken string) (*AccessClaims, error) {
	if rawToken == "" {
		return nil, NewWorkflowError(KindTokenMalformed, "empty bearer token", nil)
	}

	var revoked bool
	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		kid := defaultKeyID
		if header, ok := t.Header["kid"].(string); ok && header != "" {
			kid = header
		}
		v.mu.RLock()
		secret, ok := v.keys[kid]
		v.mu.RUnlock()
		if !ok {
			revoked = true
			return nil, fmt.Errorf("signing key %q is not in the trust set", kid)
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		switch {
		case revoked:
			return nil, NewWorkflowError(KindTokenRevoked, "token signed with rotated-out key", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, NewWorkflowError(KindTokenExpired, "token has expired", err)
		default:
			return nil, NewWorkflowError(KindTokenMalformed, "token failed verification", err)
		}
	}
	if !token.Valid {
		return nil, NewWorkflowError(KindTokenMalformed, "token is not valid", nil)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, NewWorkflowError(KindTokenMalformed, "unexpected claims format", nil)
	}

	claims, err := claimsFromMap(mapClaims)
	if err != nil {
		return nil, err
	}
	// Defense in depth: jwt.Parse already rejects expired tokens, but a
	// token without exp slips through the library's default validation.
	if claims.ExpiresAt.IsZero() {
		return nil, NewWorkflowError(KindTokenMalformed, "token missing exp claim", nil)
	}
	if time.Now().After(claims.ExpiresAt) {
		return nil, NewWorkflowError(KindTokenExpired, "token has expired", nil)
	}
	return claims, nil
}

// claimsFromMap maps raw JWT claims onto AccessClaims, enforcing the
// claims schema.
func claimsFromMap(claims jwt.MapClaims) (*AccessClaims, error) {
	subject := getClaimString(claims, "sub")
	if subject == "" {
		subject = getClaimString(claims, "user_id")
	}
	tenantID := getClaimString(claims, "tenant_id")
	if subject == "" || tenantID == "" {
		return nil, NewWorkflowError(KindTokenMalformed,
			"token missing sub or tenant_id claim", nil)
	}

	plan := Plan(getClaimString(claims, "plan"))
	switch plan {
	case PlanFree, PlanPro, PlanTeam, PlanEnterprise:
	case "":
		plan = PlanFree
	default:
		return nil, NewWorkflowError(KindTokenMalformed,
			fmt.Sprintf("unrecognized plan %q", plan), nil)
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	return &AccessClaims{
		SubjectID: subject,
		TenantID:  tenantID,
		Plan:      plan,
		Role:      getClaimString(claims, "role"),
		Scopes:    getClaimStringArray(claims, "scopes"),
		ExpiresAt: expiresAt,
	}, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// getClaimStringArray accepts both a JSON array and a comma-separated
// string; auth issuers have shipped both encodings.
func getClaimStringArray(claims jwt.MapClaims, key string) []string {
	switch val := claims[key].(type) {
	case string:
		if val == "" {
			return []string{}
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}
