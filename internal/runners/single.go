package runners

import (
	"context"

	"quipucords/internal/httpsession"
)

// collectFunc gathers the facts of a source that inspects as one result
type collectFunc func(ctx context.Context, env *Env, opts httpsession.Options) (version string, facts map[string]any, err error)

// singleResult runs sources whose inspection yields one result for the
// whole API endpoint. Collection errors are recorded on that result.
func singleResult(ctx context.Context, env *Env, collect collectFunc) Result {
	var p *progress
	err := withSourceSession(ctx, env, func(host string, opts httpsession.Options) error {
		version, facts, collectErr := collect(ctx, env, opts)
		if collectErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		group, err := ensureGroup(ctx, env, version)
		if err != nil {
			return err
		}
		done, resumed, err := resume(ctx, env, group)
		if err != nil {
			return err
		}
		p = newProgress(env, 1, resumed)
		if err := p.start(ctx); err != nil {
			return err
		}
		if done[host] {
			return nil
		}

		if collectErr != nil {
			env.Log.Warn().Err(collectErr).Str("host", host).Msg("Inspection failed")
			return p.save(ctx, group, failedResult(host, collectErr))
		}
		result, err := successResult(host, facts)
		if err != nil {
			result = failedResult(host, err)
		}
		return p.save(ctx, group, result)
	})
	return settle(ctx, env, p, err)
}
