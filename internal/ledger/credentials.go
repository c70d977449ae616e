package ledger

import (
	"context"
	"errors"
	"fmt"

	"bybit-webhook-bot-go/internal/models"
)

// ErrNoCredentials means no api key could be resolved for the bot's owner.
var ErrNoCredentials = errors.New("no resolvable api key")

// ResolveApiKey finds the exchange credentials for a bot. Resolution order:
// the bot's bound key, then the owner's default key, then the owner's oldest
// key. Every workflow goes through this one function.
func ResolveApiKey(ctx context.Context, l Ledger, bot *models.Bot) (*models.ApiKey, error) {
	if bot.ApiKeyID != nil {
		key, err := l.GetApiKey(ctx, *bot.ApiKeyID)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrApiKeyNotFound) {
			return nil, err
		}
		// Bound key was deleted out from under the bot; fall through to the
		// user-level lookups rather than failing the trade.
	}

	key, err := l.GetDefaultApiKey(ctx, bot.UserID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrApiKeyNotFound) {
		return nil, err
	}

	key, err = l.GetOldestApiKey(ctx, bot.UserID)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, ErrApiKeyNotFound) {
		return nil, fmt.Errorf("%w for user %d", ErrNoCredentials, bot.UserID)
	}
	return nil, err
}
