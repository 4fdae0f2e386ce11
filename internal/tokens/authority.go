package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Store is the persistence interface the Authority needs. Writes are atomic
// at single-record granularity.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
}

// Logger is the logging interface used by the Authority.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// storeKey is the single record key the Authority owns in the store.
const storeKey = "tokens"

// Token type tags carried in the signed claims. The tag is a mandatory
// check: an access token can never be replayed as a refresh token or
// vice versa.
const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// authCodeBytes is the entropy of an authorization code (256-bit).
const authCodeBytes = 32

// Config contains the single configured client pair and token lifetimes.
type Config struct {
	ClientID     string
	ClientSecret string

	AccessTokenTTL  time.Duration
	AuthCodeTTL     time.Duration
	RefreshTokenTTL time.Duration

	// SaveThrottle coalesces persistence writes: state is persisted not
	// more often than this interval, but every durable mutation is
	// eventually written.
	SaveThrottle time.Duration
}

// grant is the server-side shadow entry for a code or token.
type grant struct {
	ClientID  string `json:"client_id"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
}

// persistedState is the single durable record serializing all three maps.
type persistedState struct {
	AuthCodes     map[string]grant `json:"auth_codes"`
	AccessTokens  map[string]grant `json:"access_tokens"`
	RefreshTokens map[string]grant `json:"refresh_tokens"`
}

// TokenPair is the result of a successful code exchange.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds
}

// Claims are the signed token payload: client identity, issue/expiry
// times, and the type discriminator.
type Claims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id"`
	TokenType string `json:"typ"`
}

// Authority issues, validates, refreshes, and expires OAuth credentials
// for the single configured client.
//
// Tokens are self-contained HS256 JWTs, but acceptance additionally
// requires a live server-side shadow entry; the dual check is what makes
// revocation possible despite signed tokens. All state mutates under one
// mutex and persists to a single store record with throttled writes.
//
// All methods are safe for concurrent use.
type Authority struct {
	mu sync.Mutex

	codes   map[string]grant
	access  map[string]grant
	refresh map[string]grant

	cfg    Config
	store  Store
	logger Logger

	lastSave time.Time
	dirty    bool

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewAuthority creates an Authority, loading persisted state from the
// store. A load failure starts the authority empty ("nothing is
// authorized") and logs; it never fails the process.
func NewAuthority(ctx context.Context, cfg Config, store Store, logger Logger) *Authority {
	if logger == nil {
		logger = noopLogger{}
	}
	a := &Authority{
		codes:   make(map[string]grant),
		access:  make(map[string]grant),
		refresh: make(map[string]grant),
		cfg:     cfg,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	a.load(ctx)
	return a
}

// load restores persisted state and sweeps immediately, so stale entries
// from before a crash are never served as valid.
func (a *Authority) load(ctx context.Context) {
	data, ok, err := a.store.Load(ctx, storeKey)
	if err != nil {
		a.logger.Error("loading token store failed, starting empty", "error", err)
		return
	}
	if !ok {
		a.logger.Info("no token store record, starting fresh")
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		a.logger.Error("decoding token store failed, starting empty", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if state.AuthCodes != nil {
		a.codes = state.AuthCodes
	}
	if state.AccessTokens != nil {
		a.access = state.AccessTokens
	}
	if state.RefreshTokens != nil {
		a.refresh = state.RefreshTokens
	}
	removed := a.sweepLocked()
	a.logger.Info("token store loaded",
		"codes", len(a.codes),
		"access_tokens", len(a.access),
		"refresh_tokens", len(a.refresh),
		"swept", removed,
	)
}

// IssueAuthorizationCode generates a fresh high-entropy one-time code for
// the client and schedules persistence.
func (a *Authority) IssueAuthorizationCode(ctx context.Context, clientID string) (string, error) {
	buf := make([]byte, authCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(buf)

	a.mu.Lock()
	a.codes[code] = grant{
		ClientID:  clientID,
		ExpiresAt: a.now().Add(a.cfg.AuthCodeTTL).Unix(),
	}
	a.dirty = true
	a.mu.Unlock()

	a.persist(ctx)
	a.logger.Debug("authorization code issued", "client_id", clientID)
	return code, nil
}

// ExchangeCode consumes an authorization code and mints an access/refresh
// token pair. The code is deleted before tokens are minted, so a mint
// failure can never leave a replayable code behind.
func (a *Authority) ExchangeCode(ctx context.Context, code, clientID, clientSecret string) (TokenPair, error) {
	if !a.clientValid(clientID, clientSecret) {
		return TokenPair{}, fmt.Errorf("%w: client credentials mismatch", ErrInvalidGrant)
	}

	a.mu.Lock()
	g, ok := a.codes[code]
	if ok {
		// One-time use: delete unconditionally, valid or not.
		delete(a.codes, code)
		a.dirty = true
	}
	a.mu.Unlock()

	if !ok {
		return TokenPair{}, fmt.Errorf("%w: unknown authorization code", ErrInvalidGrant)
	}
	if g.ExpiresAt < a.now().Unix() {
		a.persist(ctx)
		return TokenPair{}, fmt.Errorf("%w: authorization code expired", ErrInvalidGrant)
	}

	accessToken, err := a.mint(clientID, typeAccess, a.cfg.AccessTokenTTL)
	if err != nil {
		a.persist(ctx)
		return TokenPair{}, err
	}
	refreshToken, err := a.mint(clientID, typeRefresh, a.cfg.RefreshTokenTTL)
	if err != nil {
		a.persist(ctx)
		return TokenPair{}, err
	}

	a.persist(ctx)
	a.logger.Info("authorization code exchanged", "client_id", clientID)
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(a.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// RefreshAccessToken mints a new access token for the client identified by
// a live refresh token. The refresh token is not rotated.
func (a *Authority) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret string) (string, int, error) {
	if !a.clientValid(clientID, clientSecret) {
		return "", 0, fmt.Errorf("%w: client credentials mismatch", ErrInvalidGrant)
	}

	if _, err := a.validate(refreshToken, typeRefresh); err != nil {
		return "", 0, fmt.Errorf("%w: refresh token rejected", ErrInvalidGrant)
	}

	accessToken, err := a.mint(clientID, typeAccess, a.cfg.AccessTokenTTL)
	if err != nil {
		return "", 0, err
	}

	a.persist(ctx)
	a.logger.Info("access token refreshed", "client_id", clientID)
	return accessToken, int(a.cfg.AccessTokenTTL.Seconds()), nil
}

// ValidateBearer checks an access token and returns the issuing client
// identity. ErrTokenExpired and ErrTokenInvalid both mean unauthenticated;
// the distinction is for logging only.
func (a *Authority) ValidateBearer(token string) (string, error) {
	return a.validate(token, typeAccess)
}

// validate performs the dual check: a live shadow entry AND a verified
// signature carrying the expected type tag.
func (a *Authority) validate(token, wantType string) (string, error) {
	shadow := a.shadowFor(wantType)

	a.mu.Lock()
	g, ok := shadow[token]
	if ok && g.ExpiresAt < a.now().Unix() {
		delete(shadow, token)
		a.dirty = true
		a.mu.Unlock()
		return "", ErrTokenExpired
	}
	a.mu.Unlock()

	if !ok {
		return "", ErrTokenInvalid
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.ClientSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.TokenType != wantType {
		return "", ErrTokenInvalid
	}
	if claims.ClientID == "" {
		return "", fmt.Errorf("%w: missing client identity", ErrTokenInvalid)
	}

	return claims.ClientID, nil
}

// mint creates a signed token and its shadow entry.
func (a *Authority) mint(clientID, tokenType string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID:  clientID,
		TokenType: tokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.ClientSecret))
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", tokenType, err)
	}

	a.mu.Lock()
	a.shadowFor(tokenType)[signed] = grant{
		ClientID:  clientID,
		ExpiresAt: now.Add(ttl).Unix(),
	}
	a.dirty = true
	a.mu.Unlock()

	return signed, nil
}

func (a *Authority) shadowFor(tokenType string) map[string]grant {
	if tokenType == typeRefresh {
		return a.refresh
	}
	return a.access
}

func (a *Authority) clientValid(clientID, clientSecret string) bool {
	return clientID == a.cfg.ClientID && clientSecret == a.cfg.ClientSecret
}

// Sweep removes expired codes and tokens. It runs on load, before every
// persist, and may additionally be driven by a timer.
func (a *Authority) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked()
}

func (a *Authority) sweepLocked() int {
	cutoff := a.now().Unix()
	removed := 0
	for _, m := range []map[string]grant{a.codes, a.access, a.refresh} {
		for k, g := range m {
			if g.ExpiresAt < cutoff {
				delete(m, k)
				removed++
			}
		}
	}
	if removed > 0 {
		a.dirty = true
	}
	return removed
}

// persist writes durable state, coalescing writes within the save-throttle
// window. A write failure is logged and retried at the next throttle
// boundary; it is never surfaced to the in-flight OAuth call.
func (a *Authority) persist(ctx context.Context) {
	a.mu.Lock()
	if !a.dirty || a.now().Sub(a.lastSave) < a.cfg.SaveThrottle {
		a.mu.Unlock()
		return
	}
	a.sweepLocked()
	data, err := json.Marshal(persistedState{
		AuthCodes:     a.codes,
		AccessTokens:  a.access,
		RefreshTokens: a.refresh,
	})
	if err != nil {
		a.mu.Unlock()
		a.logger.Error("encoding token store failed", "error", err)
		return
	}
	a.lastSave = a.now()
	a.dirty = false
	a.mu.Unlock()

	if err := a.store.Save(ctx, storeKey, data); err != nil {
		a.logger.Error("persisting token store failed, will retry", "error", err)
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
	}
}

// Flush forces an immediate persist of any unsaved state. Called on
// shutdown and by the optional sweep timer.
func (a *Authority) Flush(ctx context.Context) {
	a.mu.Lock()
	a.lastSave = time.Time{} // bypass throttle
	a.mu.Unlock()
	a.persist(ctx)
}

// RevokeAll deletes every live code and token and persists immediately.
// Called when the user unlinks the bridge from their assistant account;
// signed tokens still in the wild fail the shadow check afterwards.
func (a *Authority) RevokeAll(ctx context.Context) {
	a.mu.Lock()
	total := len(a.codes) + len(a.access) + len(a.refresh)
	a.codes = make(map[string]grant)
	a.access = make(map[string]grant)
	a.refresh = make(map[string]grant)
	a.dirty = true
	a.mu.Unlock()

	a.Flush(ctx)
	a.logger.Info("all credentials revoked", "count", total)
}

// Counts returns the number of live codes, access tokens, and refresh
// tokens, for the health endpoint.
func (a *Authority) Counts() (codes, access, refresh int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.codes), len(a.access), len(a.refresh)
}
