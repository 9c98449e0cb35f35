package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"qms/entry-queue/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnavailable means the token could not be checked at all. Callers must
// not treat it as a rejection.
var ErrUnavailable = errors.New("admission gate unavailable")

// Validator checks the guest's admission token. It returns nil on pass,
// store.ErrTokenRejected on fail and ErrUnavailable when undecidable.
type Validator interface {
	Validate(ctx context.Context, token string) error
}

type SecretValidator struct {
	hash []byte
}

// NewSecretValidator accepts either a bcrypt hash or the plain secret, which
// is hashed once here.
func NewSecretValidator(secret, secretHash string) (*SecretValidator, error) {
	if secretHash != "" {
		if _, err := bcrypt.Cost([]byte(secretHash)); err != nil {
			return nil, fmt.Errorf("admission secret hash: %w", err)
		}
		return &SecretValidator{hash: []byte(secretHash)}, nil
	}
	if secret == "" {
		return nil, errors.New("admission secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &SecretValidator{hash: hash}, nil
}

func (v *SecretValidator) Validate(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if token == "" {
		return store.ErrTokenRejected
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return store.ErrTokenRejected
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GateClient asks a remote admission gate over HTTP.
type GateClient struct {
	url    string
	client *http.Client
}

func NewGateClient(url string, timeout time.Duration) *GateClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GateClient{url: url, client: &http.Client{Timeout: timeout}}
}

func (g *GateClient) Validate(ctx context.Context, token string) error {
	if token == "" {
		return store.ErrTokenRejected
	}
	body, err := json.Marshal(map[string]string{"secret_word": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return store.ErrTokenRejected
	default:
		return fmt.Errorf("%w: gate returned %d", ErrUnavailable, resp.StatusCode)
	}
}

// AllowAll passes every token. Used when no secret or gate is configured.
type AllowAll struct{}

func (AllowAll) Validate(ctx context.Context, token string) error {
	return nil
}
