package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/repository"
)

const oauthStatePrefix = "oauth_state:"

// StateCache stores pending OAuth states keyed by the state value itself.
// Claim uses GETDEL, so two callbacks racing on one state get exactly one winner.
type StateCache struct {
	client *client.RedisClient
	logger *zap.Logger
	now    func() time.Time
}

var _ repository.StateStore = (*StateCache)(nil)

func NewStateCache(client *client.RedisClient, logger *zap.Logger) *StateCache {
	return &StateCache{client: client, logger: logger, now: time.Now}
}

func (c *StateCache) Save(ctx context.Context, state *models.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode oauth state: %w", err)
	}

	ok, err := c.client.SetNX(ctx, oauthStatePrefix+state.State, payload, ttl)
	if err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	if !ok {
		return repository.ErrConflict
	}
	return nil
}

func (c *StateCache) Claim(ctx context.Context, state string) (*models.OAuthState, error) {
	if state == "" {
		return nil, repository.ErrNotFound
	}

	raw, err := c.client.GetDel(ctx, oauthStatePrefix+state)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to claim oauth state: %w", err)
	}

	var st models.OAuthState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		c.logger.Error("Corrupt oauth state payload", zap.Error(err))
		return nil, repository.ErrNotFound
	}
	st.State = state

	if !st.ExpiresAt.IsZero() && !c.now().Before(st.ExpiresAt) {
		return nil, repository.ErrNotFound
	}
	return &st, nil
}
