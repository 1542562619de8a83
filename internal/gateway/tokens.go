package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/lemonhq/lemongate/internal/clock"
	"github.com/lemonhq/lemongate/internal/store"
	"github.com/lemonhq/lemongate/pkg/protocol"
)

// Identity is the authenticated role/scope pair attached to a connection.
type Identity struct {
	Role   string
	Scopes []string
}

// RoleOperator has every scope; other roles carry whatever their token grants.
const RoleOperator = "operator"

// TokenStore authenticates connect tokens. The static gateway token (from
// env) grants operator; everything else is looked up in the session_tokens
// table by sha256 of the presented token, so raw secrets never touch disk.
type TokenStore struct {
	static string
	kv     store.Store
	clk    clock.Clock
}

// NewTokenStore creates a token store. static may be empty, which leaves the
// gateway open to local operators (dev mode).
func NewTokenStore(static string, kv store.Store, clk clock.Clock) *TokenStore {
	return &TokenStore{static: static, kv: kv, clk: clk}
}

// Authenticate resolves a presented token to an identity.
func (t *TokenStore) Authenticate(token string) (Identity, error) {
	if t.static != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t.static)) == 1 {
			return Identity{Role: RoleOperator, Scopes: protocol.AllScopes}, nil
		}
	} else if token == "" {
		// No token configured and none presented: local dev access.
		return Identity{Role: RoleOperator, Scopes: protocol.AllScopes}, nil
	}

	if t.kv != nil && token != "" {
		if id, ok, err := t.lookup(token); err != nil {
			return Identity{}, err
		} else if ok {
			return id, nil
		}
	}
	return Identity{}, protocol.NewError(protocol.ErrUnauthorized, "invalid token")
}

// Mint stores a scoped token record and returns nothing secret: the caller
// already holds the raw token.
func (t *TokenStore) Mint(token, role string, scopes []string) error {
	anyScopes := make([]any, len(scopes))
	for i, s := range scopes {
		anyScopes[i] = s
	}
	return t.kv.Put(store.TableSessionTokens, hashToken(token), map[string]any{
		"role":       role,
		"scopes":     anyScopes,
		"created_ms": t.clk.NowMs(),
	})
}

// Revoke deletes a token record. Unknown tokens are not an error.
func (t *TokenStore) Revoke(token string) error {
	return t.kv.Delete(store.TableSessionTokens, hashToken(token))
}

func (t *TokenStore) lookup(token string) (Identity, bool, error) {
	v, ok, err := t.kv.Get(store.TableSessionTokens, hashToken(token))
	if err != nil || !ok {
		return Identity{}, ok, err
	}
	id := Identity{Role: "client"}
	if role, _ := v["role"].(string); role != "" {
		id.Role = role
	}
	if raw, ok := v["scopes"].([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				id.Scopes = append(id.Scopes, str)
			}
		}
	}
	return id, true, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
