package security

import (
	"context"
	"encoding/json"
	"fmt"
)

// AuthTokens is the session issued by the backend. ExpiresAt is epoch
// milliseconds; zero means read the exp claim from AccessToken.
type AuthTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// Credentials are kept only when the user opted into "remember me".
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

func (s *Store) putJSON(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("security: encode %s: %w", name, err)
	}
	return s.SetItem(ctx, name, string(data))
}

func (s *Store) getJSON(ctx context.Context, name string, v any) (bool, error) {
	raw, ok, err := s.GetItem(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("security: decode %s: %w", name, err)
	}
	return true, nil
}

// SaveAuthTokens stores tokens. The refresh token is also kept under its
// own name so it outlives an expired access token.
func (s *Store) SaveAuthTokens(ctx context.Context, tokens AuthTokens) error {
	if err := s.putJSON(ctx, KeyAuthToken, tokens); err != nil {
		return err
	}
	if tokens.RefreshToken != "" {
		return s.SetItem(ctx, KeyRefreshToken, tokens.RefreshToken)
	}
	return nil
}

// AuthTokens returns the stored tokens, or nil if none are stored or they
// have expired. Expired tokens are removed.
func (s *Store) AuthTokens(ctx context.Context) (*AuthTokens, error) {
	var tokens AuthTokens
	ok, err := s.getJSON(ctx, KeyAuthToken, &tokens)
	if err != nil || !ok {
		return nil, err
	}

	expires := tokens.ExpiresAt
	if expires == 0 {
		if exp, ok := TokenExpiry(tokens.AccessToken); ok {
			expires = exp.UnixMilli()
		}
	}
	if expires != 0 && s.now().UnixMilli() > expires {
		s.logger.Info("auth tokens expired, removing")
		if err := s.RemoveItem(ctx, KeyAuthToken); err != nil {
			s.logger.Warn("remove expired tokens failed", "error", err)
		}
		return nil, nil
	}
	return &tokens, nil
}

// RemoveAuthTokens deletes the access and refresh tokens.
func (s *Store) RemoveAuthTokens(ctx context.Context) error {
	if err := s.RemoveItem(ctx, KeyAuthToken); err != nil {
		return err
	}
	return s.RemoveItem(ctx, KeyRefreshToken)
}

// HasValidTokens reports whether unexpired tokens are stored.
func (s *Store) HasValidTokens(ctx context.Context) bool {
	tokens, err := s.AuthTokens(ctx)
	return err == nil && tokens != nil
}

// RefreshToken returns the refresh token even after the access token expired.
func (s *Store) RefreshToken(ctx context.Context) (string, bool, error) {
	return s.GetItem(ctx, KeyRefreshToken)
}

// SaveCredentials stores the user's login.
func (s *Store) SaveCredentials(ctx context.Context, c Credentials) error {
	return s.putJSON(ctx, KeyUserCredentials, c)
}

// Credentials returns the stored login or nil.
func (s *Store) Credentials(ctx context.Context) (*Credentials, error) {
	var c Credentials
	ok, err := s.getJSON(ctx, KeyUserCredentials, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// RemoveCredentials deletes the stored login.
func (s *Store) RemoveCredentials(ctx context.Context) error {
	return s.RemoveItem(ctx, KeyUserCredentials)
}

// SaveAPIKeys replaces the stored API key map.
func (s *Store) SaveAPIKeys(ctx context.Context, keys map[string]string) error {
	return s.putJSON(ctx, KeyAPIKeys, keys)
}

// APIKeys returns the stored key map or nil.
func (s *Store) APIKeys(ctx context.Context) (map[string]string, error) {
	var keys map[string]string
	ok, err := s.getJSON(ctx, KeyAPIKeys, &keys)
	if err != nil || !ok {
		return nil, err
	}
	if keys == nil {
		keys = map[string]string{}
	}
	return keys, nil
}

// RemoveAPIKeys deletes the stored key map.
func (s *Store) RemoveAPIKeys(ctx context.Context) error {
	return s.RemoveItem(ctx, KeyAPIKeys)
}
