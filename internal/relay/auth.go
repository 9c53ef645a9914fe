package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// DefaultTenant is used when a client does not name its tenant.
const DefaultTenant = "default"

// ErrUnauthorized is returned by an Authorizer that refuses a handshake.
var ErrUnauthorized = errors.New("relay: unauthorized")

// Identity is who a connection acts as once admitted.
type Identity struct {
	UserID   string
	TenantID string
}

// Authorizer decides whether a WebSocket handshake may proceed. The relay
// makes no authentication decision of its own.
type Authorizer interface {
	Admit(r *http.Request) (Identity, error)
}

// TokenAuthorizer admits requests carrying a shared bearer token. The user
// and tenant come from the user_id and tenant_id query parameters. An empty
// Token admits everyone.
type TokenAuthorizer struct {
	Token string
}

// Admit implements Authorizer.
func (a TokenAuthorizer) Admit(r *http.Request) (Identity, error) {
	if a.Token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
			return Identity{}, ErrUnauthorized
		}
	}

	q := r.URL.Query()
	id := Identity{UserID: q.Get("user_id"), TenantID: q.Get("tenant_id")}
	if id.UserID == "" {
		return Identity{}, ErrUnauthorized
	}
	if id.TenantID == "" {
		id.TenantID = DefaultTenant
	}
	// Tenants become NATS subject tokens and Redis key segments.
	if strings.ContainsAny(id.TenantID, ".*>: \t\r\n") {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}
