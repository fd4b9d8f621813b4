package runners

import (
	"context"
	"time"

	"quipucords/internal/clients/acs"
	"quipucords/internal/httpsession"
)

// securedUnitsWindow is how far back the maximum usage is looked up
const securedUnitsWindow = 365 * 24 * time.Hour

func checkACS(ctx context.Context, opts httpsession.Options) (string, error) {
	client, err := acs.New(opts)
	if err != nil {
		return "", err
	}
	if _, err := client.AuthStatus(ctx); err != nil {
		return "", err
	}
	return "", nil
}

func collectACS(ctx context.Context, _ *Env, opts httpsession.Options) (string, map[string]any, error) {
	client, err := acs.New(opts)
	if err != nil {
		return "", nil, err
	}
	status, err := client.AuthStatus(ctx)
	if err != nil {
		return "", nil, err
	}
	current, err := client.CurrentSecuredUnits(ctx)
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	maxUnits, err := client.MaxSecuredUnits(ctx, now.Add(-securedUnitsWindow), now)
	if err != nil {
		return "", nil, err
	}
	facts := map[string]any{
		"auth_status":           map[string]any{"user_id": status.UserID, "expires": status.Expires},
		"secured_units_current": current,
		"secured_units_max":     maxUnits,
	}
	return "", facts, nil
}

func inspectACS(ctx context.Context, env *Env) Result {
	return singleResult(ctx, env, collectACS)
}
