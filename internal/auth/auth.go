// Package auth exchanges broker credentials for a bearer-token session.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/session"
	"github.com/betbot/bracketbot/pkg/logger"
	sdkhttp "github.com/betbot/bracketbot/pkg/sdk/http"
)

const tokenPath = "/auth/jwt/token"

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

func (c Credentials) Validate() error {
	switch {
	case c.Email == "":
		return apperr.Invalid("email", "is required")
	case c.Password == "":
		return apperr.Invalid("password", "is required")
	case c.Server == "":
		return apperr.Invalid("server", "is required")
	}
	return nil
}

// Authenticator is the only writer of the session store.
type Authenticator struct {
	transport sdkhttp.Doer
	store     *session.Store
	creds     Credentials
	threshold time.Duration
}

type Option func(*Authenticator)

// WithRefreshThreshold sets how close to expiry EnsureSession refreshes.
func WithRefreshThreshold(d time.Duration) Option {
	return func(a *Authenticator) { a.threshold = d }
}

func New(transport sdkhttp.Doer, store *session.Store, creds Credentials, opts ...Option) *Authenticator {
	a := &Authenticator{
		transport: transport,
		store:     store,
		creds:     creds,
		threshold: session.DefaultRefreshThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type tokenResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpireDate   json.RawMessage `json:"expireDate"`
}

// Authenticate trades the credentials for a new token pair and stores it.
// Every failure is an *apperr.AuthenticationError; nothing is retried here.
func (a *Authenticator) Authenticate(ctx context.Context) (session.Session, error) {
	resp, err := a.transport.Do(ctx, &sdkhttp.Request{
		Method: http.MethodPost,
		Path:   tokenPath,
		Body:   a.creds,
	})
	if err != nil {
		return session.Session{}, &apperr.AuthenticationError{Err: err}
	}
	if !resp.IsSuccess() {
		logger.WithField("status", resp.StatusCode).Warnf("authentication rejected")
		return session.Session{}, &apperr.AuthenticationError{Status: resp.StatusCode, Payload: resp.ErrorBody()}
	}

	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return session.Session{}, &apperr.AuthenticationError{Status: resp.StatusCode, Err: errors.Wrap(err, "decode token response")}
	}
	if tr.AccessToken == "" {
		return session.Session{}, &apperr.AuthenticationError{Status: resp.StatusCode, Payload: "response carries no accessToken"}
	}
	expiry, err := parseExpiry(tr.ExpireDate)
	if err != nil {
		return session.Session{}, &apperr.AuthenticationError{Status: resp.StatusCode, Err: err}
	}

	sess := session.Session{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken, ExpiryTime: expiry}
	if err := a.store.Save(sess); err != nil {
		return session.Session{}, &apperr.AuthenticationError{Err: err}
	}
	logger.WithField("expires", expiry.Format(time.RFC3339)).Info("authenticated")
	return sess, nil
}

// EnsureSession loads any stored session and authenticates only when it is
// missing or close to expiry.
func (a *Authenticator) EnsureSession(ctx context.Context, now time.Time) (session.Session, error) {
	if _, err := a.store.Load(); err != nil {
		logger.Warnf("stored session unreadable, re-authenticating: %v", err)
	}
	if !a.store.IsExpiringSoon(now, a.threshold) {
		return a.store.Current(), nil
	}
	logger.Infof("token missing or expiring soon, re-authenticating")
	return a.Authenticate(ctx)
}

// parseExpiry accepts an RFC 3339 string or epoch milliseconds. An absent
// value yields the zero time, which the store treats as "refresh next run".
func parseExpiry(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, errors.Wrap(err, "expireDate")
		}
		if str == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t, nil
		}
		s = str
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Errorf("expireDate %q is neither RFC 3339 nor epoch millis", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}
