package pasalsync

import (
	"context"
	"errors"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/marketsync_backend/config"
)

// TokenProvider supplies the shop-scoped access token for signed API calls.
// Token acquisition and storage are owned elsewhere; the client only asks for
// the current token and, on a 401-class response, one refresh.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// redisTokenProvider reads the token maintained by the credential service from
// Redis, falling back to PASAL_ACCESS_TOKEN for local development.
type redisTokenProvider struct {
	shopId string
}

func NewRedisTokenProvider(shopId string) TokenProvider {
	return &redisTokenProvider{shopId: shopId}
}

func (p *redisTokenProvider) AccessToken(ctx context.Context) (string, error) {
	token, exists, err := config.GetRedisValue("PasalToken:" + p.shopId)
	if err != nil {
		return "", err
	}
	if exists && strings.TrimSpace(token) != "" {
		return token, nil
	}
	if env := strings.TrimSpace(os.Getenv("PASAL_ACCESS_TOKEN")); env != "" {
		return env, nil
	}
	return "", errors.New("pasal access token not available")
}

func (p *redisTokenProvider) Refresh(ctx context.Context) (string, error) {
	// Drop the cached copy; the credential service repopulates it. Re-read once.
	_ = config.RemoveRedisKey("PasalToken:" + p.shopId)
	return p.AccessToken(ctx)
}
