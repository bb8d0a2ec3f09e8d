// Package gateway sends authorized calls to the broker. A 401 triggers at
// most one re-authentication and one retry per logical call, and concurrent
// 401s share a single re-authentication.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/bracketbot/internal/apperr"
	"github.com/betbot/bracketbot/internal/metrics"
	"github.com/betbot/bracketbot/internal/session"
	"github.com/betbot/bracketbot/pkg/logger"
	sdkhttp "github.com/betbot/bracketbot/pkg/sdk/http"
)

const (
	headerAuthorization = "Authorization"
	headerAccountNumber = "accNum"

	reauthKey = "reauth"

	// failedRefreshTTL is how long a failed refresh answers later 401s that
	// carry the same stale token.
	failedRefreshTTL = 2 * time.Second
)

// Call is one logical authorized request.
type Call struct {
	Method        string
	Path          string
	Params        map[string]any
	Body          any
	AccountNumber string
}

// Requester is what broker clients depend on.
type Requester interface {
	Request(ctx context.Context, call Call) (*sdkhttp.Response, error)
}

// Authenticator refreshes the session. *auth.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context) (session.Session, error)
}

// bearerSender attaches the given token and the routing header.
type bearerSender struct {
	transport sdkhttp.Doer
}

func (b bearerSender) send(ctx context.Context, call Call, token string) (*sdkhttp.Response, error) {
	headers := map[string]string{headerAuthorization: "Bearer " + token}
	if call.AccountNumber != "" {
		headers[headerAccountNumber] = call.AccountNumber
	}
	return b.transport.Do(ctx, &sdkhttp.Request{
		Method:  call.Method,
		Path:    call.Path,
		Headers: headers,
		Params:  call.Params,
		Body:    call.Body,
	})
}

// Gateway is the auth guard around bearerSender.
type Gateway struct {
	next   bearerSender
	store  *session.Store
	auth   Authenticator
	flight singleflight.Group
	now    func() time.Time

	mu       sync.Mutex
	lastFail failedRefresh
}

type failedRefresh struct {
	stale string
	err   error
	at    time.Time
}

func New(transport sdkhttp.Doer, store *session.Store, auth Authenticator) *Gateway {
	return &Gateway{
		next:  bearerSender{transport: transport},
		store: store,
		auth:  auth,
		now:   time.Now,
	}
}

// Request sends call with the current token. On 401 it refreshes once and
// retries once; a second 401, any other non-2xx status or a transport error
// is an *apperr.RequestError. A failed refresh is the *apperr.AuthenticationError.
func (g *Gateway) Request(ctx context.Context, call Call) (*sdkhttp.Response, error) {
	log := logger.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"method":     call.Method,
		"path":       call.Path,
	})

	token := g.store.AccessToken()
	resp, err := g.next.send(ctx, call, token)
	if err != nil {
		log.Warnf("request failed: %v", err)
		return nil, &apperr.RequestError{Method: call.Method, Path: call.Path, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		log.Info("unauthorized, refreshing session")
		fresh, err := g.refresh(ctx, token)
		if err != nil {
			log.Errorf("session refresh failed: %v", err)
			return nil, err
		}
		resp, err = g.next.send(ctx, call, fresh)
		if err != nil {
			log.Warnf("retry failed: %v", err)
			return nil, &apperr.RequestError{Method: call.Method, Path: call.Path, Err: err}
		}
	}

	if !resp.IsSuccess() {
		metrics.BrokerRejections.Add(1)
		log.WithField("status", resp.StatusCode).Warn("broker rejected request")
		return nil, &apperr.RequestError{
			Method: call.Method,
			Path:   call.Path,
			Status: resp.StatusCode,
			Body:   resp.ErrorBody(),
		}
	}
	log.WithField("status", resp.StatusCode).Debug("request ok")
	return resp, nil
}

// refresh returns a token newer than stale. Concurrent callers share one
// Authenticate call; a caller that arrives after someone else already
// replaced stale reuses the replacement without authenticating again.
func (g *Gateway) refresh(ctx context.Context, stale string) (string, error) {
	v, err, shared := g.flight.Do(reauthKey, func() (any, error) {
		if cur := g.store.AccessToken(); cur != "" && cur != stale {
			return cur, nil
		}
		if err := g.recentFailure(stale); err != nil {
			return "", err
		}
		// the refresh outlives the caller that happened to start it
		metrics.SessionRefreshes.Add(1)
		sess, err := g.auth.Authenticate(context.WithoutCancel(ctx))
		g.recordRefresh(stale, err)
		if err != nil {
			return "", err
		}
		return sess.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.Debugf("gateway: joined in-flight session refresh")
	}
	return v.(string), nil
}

// recentFailure returns the error of a refresh for stale that failed within
// failedRefreshTTL, so 401s arriving just after a failed flight fail the same
// way instead of authenticating again.
func (g *Gateway) recentFailure(stale string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.lastFail
	if f.err != nil && f.stale == stale && g.now().Sub(f.at) < failedRefreshTTL {
		return f.err
	}
	return nil
}

func (g *Gateway) recordRefresh(stale string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.lastFail = failedRefresh{}
		return
	}
	g.lastFail = failedRefresh{stale: stale, err: err, at: g.now()}
}
