package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "relaydoc"

	scopeRead  = "docs:read"
	scopeWrite = "docs:write"
	scopeAdmin = "docs:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeSet accepts both a JSON array and a space separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	out := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

type tokenClaims struct {
	WorkspaceID string   `json:"workspace_id"`
	AgentName   string   `json:"agent_name"`
	Scopes      scopeSet `json:"scopes"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, workspaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "workspace mismatch",
		}
	}
	if requiredScope != "" && !hasAnyScope(claims.Scopes, requiredScope) {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if claims.WorkspaceID == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing workspace_id claim"}
	}
	if claims.AgentName == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing agent_name claim"}
	}
	if len(claims.Scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "invalid exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid bearer token"
	}
}

// hasAnyScope treats docs:admin as implying the narrower document scopes.
func hasAnyScope(scopes scopeSet, required ...string) bool {
	if _, ok := scopes[scopeAdmin]; ok {
		return true
	}
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}
