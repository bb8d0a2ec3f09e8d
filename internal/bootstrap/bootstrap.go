// Package bootstrap assembles configuration and the authorized broker client
// shared by the bot and its maintenance commands.
package bootstrap

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/internal/auth"
	"github.com/betbot/bracketbot/internal/gateway"
	"github.com/betbot/bracketbot/internal/session"
	"github.com/betbot/bracketbot/internal/tradelocker"
	"github.com/betbot/bracketbot/pkg/config"
	"github.com/betbot/bracketbot/pkg/logger"
	"github.com/betbot/bracketbot/pkg/ratelimit"
	sdkhttp "github.com/betbot/bracketbot/pkg/sdk/http"
	"github.com/betbot/bracketbot/pkg/secretstore"
)

// LoadConfig resolves config from path and the environment, fills missing
// credentials from the encrypted secret store when one is configured, and
// validates the result.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.SecretDB != "" {
		if err := fillFromSecretStore(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}
	return cfg, nil
}

func fillFromSecretStore(cfg *config.Config) error {
	key, err := secretstore.ParseKey(cfg.SecretKey)
	if err != nil {
		return errors.WithMessage(err, config.EnvSecretKey)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretDB,
		EncryptionKey: key,
		ReadOnly:      true,
	})
	if err != nil {
		return err
	}
	defer ss.Close()
	return cfg.FillCredentials(ss, secretstore.DefaultPrefix)
}

// Broker is everything needed to talk to the trading platform.
type Broker struct {
	Client  *tradelocker.Client
	Auth    *auth.Authenticator
	Session *session.Store
}

// NewBroker wires transport, session store, authenticator and gateway, then
// makes sure a usable session exists before returning.
func NewBroker(ctx context.Context, cfg *config.Config) (*Broker, error) {
	var limiter ratelimit.RateLimiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = ratelimit.NewTokenBucket(burst, cfg.RequestsPerSecond)
	}
	transport := sdkhttp.NewClient(cfg.APIURL, sdkhttp.Options{
		Timeout: cfg.RequestTimeout,
		Limiter: limiter,
	})

	store := session.NewFileStore(cfg.SessionFile)

	authn := auth.New(transport, store, auth.Credentials{
		Email:    cfg.Credentials.Email,
		Password: cfg.Credentials.Password,
		Server:   cfg.Credentials.Server,
	}, auth.WithRefreshThreshold(cfg.RefreshThreshold))

	sess, err := authn.EnsureSession(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	logger.WithField("expires", sess.ExpiryTime).Info("session ready")

	gw := gateway.New(transport, store, authn)
	return &Broker{
		Client:  tradelocker.NewClient(gw),
		Auth:    authn,
		Session: store,
	}, nil
}
