package relay

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

var ErrNotInitialized = errors.New("auth not initialized")
var ErrInvalidToken = errors.New("invalid token")

type TokenClaims struct {
	AccountId string
	Extras    map[string]any
}

type tokenCodec interface {
	Sign(accountId string, extras map[string]any) (string, error)
	Verify(token string) (*TokenClaims, error)
}

// tokens are jwts signed with an ed25519 key derived from the master
// secret, so every instance sharing the secret verifies every other
// instance's tokens.
type jwtCodec struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func newJwtCodec(masterSecret string) *jwtCodec {
	seed := sha256.Sum256([]byte(masterSecret))
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	return &jwtCodec{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}
}

func (self *jwtCodec) Sign(accountId string, extras map[string]any) (string, error) {
	claims := gojwt.MapClaims{
		"sub": accountId,
		"iat": time.Now().Unix(),
	}
	if extras != nil {
		claims["extras"] = extras
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims)
	return token.SignedString(self.privateKey)
}

func (self *jwtCodec) Verify(token string) (*TokenClaims, error) {
	parsed, err := gojwt.Parse(
		token,
		func(token *gojwt.Token) (any, error) {
			return self.publicKey, nil
		},
		gojwt.WithValidMethods([]string{"EdDSA"}),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	accountId, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	verified := &TokenClaims{
		AccountId: accountId,
	}
	if extras, ok := claims["extras"].(map[string]any); ok {
		verified.Extras = extras
	}
	return verified, nil
}

type tokenCacheEntry struct {
	accountId string
	extras    map[string]any
	cachedAt  int64
}

// Auth issues and verifies opaque bearer tokens, caching verified results
// permanently. tokens are long-lived capabilities; invalidation only
// affects the cache, not the cryptographic validity of the token, so
// revocation is a local guarantee unless paired with key rotation.
type Auth struct {
	stateLock sync.Mutex
	codec     tokenCodec
	cache     map[string]*tokenCacheEntry
}

func NewAuth() *Auth {
	return &Auth{
		cache: map[string]*tokenCacheEntry{},
	}
}

// for tests that instrument the codec
func newAuthWithCodec(codec tokenCodec) *Auth {
	return &Auth{
		codec: codec,
		cache: map[string]*tokenCacheEntry{},
	}
}

// Init establishes the signer/verifier keypair once. All other operations
// fail fast before Init completes.
func (self *Auth) Init(masterSecret string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.codec != nil {
		return
	}
	self.codec = newJwtCodec(masterSecret)
	glog.Infof("[auth]initialized\n")
}

// CreateToken signs a token and inserts it into the verification cache so
// a just-issued token verifies without a second cryptographic check.
func (self *Auth) CreateToken(accountId string, extras map[string]any) (string, error) {
	self.stateLock.Lock()
	codec := self.codec
	self.stateLock.Unlock()
	if codec == nil {
		return "", ErrNotInitialized
	}

	token, err := codec.Sign(accountId, extras)
	if err != nil {
		return "", err
	}

	self.stateLock.Lock()
	self.cache[token] = &tokenCacheEntry{
		accountId: accountId,
		extras:    extras,
		cachedAt:  nowMilli(),
	}
	self.stateLock.Unlock()
	return token, nil
}

// VerifyToken returns the cached result when present; otherwise it runs
// the cryptographic verification once and caches a success permanently.
func (self *Auth) VerifyToken(token string) (*TokenClaims, error) {
	self.stateLock.Lock()
	if entry, ok := self.cache[token]; ok {
		self.stateLock.Unlock()
		return &TokenClaims{
			AccountId: entry.accountId,
			Extras:    entry.extras,
		}, nil
	}
	codec := self.codec
	self.stateLock.Unlock()

	if codec == nil {
		return nil, ErrNotInitialized
	}

	claims, err := codec.Verify(token)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	self.cache[token] = &tokenCacheEntry{
		accountId: claims.AccountId,
		extras:    claims.Extras,
		cachedAt:  nowMilli(),
	}
	self.stateLock.Unlock()
	return claims, nil
}

func (self *Auth) InvalidateToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.cache, token)
}

// InvalidateAccountTokens removes every cached token for the account.
// This is an O(n) scan, rarely needed.
func (self *Auth) InvalidateAccountTokens(accountId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	removed := 0
	for token, entry := range self.cache {
		if entry.accountId == accountId {
			delete(self.cache, token)
			removed += 1
		}
	}
	glog.V(1).Infof("[auth]invalidated %d tokens for %s\n", removed, accountId)
	return removed
}

func (self *Auth) CacheStats() (size int, oldestCachedAt int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, entry := range self.cache {
		if oldestCachedAt == 0 || entry.cachedAt < oldestCachedAt {
			oldestCachedAt = entry.cachedAt
		}
	}
	return len(self.cache), oldestCachedAt
}
