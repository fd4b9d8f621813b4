package runners

import (
	"context"
	"errors"
	"fmt"

	"quipucords/internal/httpsession"
	"quipucords/internal/models"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

var errNoCredentials = errors.New("source has no credentials")

// withCredentials tries each credential in order until fn succeeds. Only
// authentication failures move on to the next credential.
func withCredentials(env *Env, fn func(*secrets.Plaintext) error) (*models.Credential, error) {
	if len(env.Credentials) == 0 {
		return nil, errNoCredentials
	}
	var lastErr error
	for _, cred := range env.Credentials {
		err := env.Codec.Acquire(cred, fn)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		if kind, _ := Classify(err); kind != FailureAuthentication && kind != FailureConfiguration {
			return cred, err
		}
		env.Log.Debug().Err(err).Str("credential", cred.Name).Msg("Credential rejected")
	}
	return nil, lastErr
}

// connectedCredential returns the credential that passed the connect phase
// for target, falling back to the first credential of the source.
func connectedCredential(ctx context.Context, env *Env, target string) (*models.Credential, error) {
	results, err := connectionResults(ctx, env)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Name == target && r.Status == models.InspectSuccess {
			if cred := credentialByName(env, r.Credential); cred != nil {
				return cred, nil
			}
		}
	}
	if len(env.Credentials) == 0 {
		return nil, errNoCredentials
	}
	return env.Credentials[0], nil
}

func connectionResults(ctx context.Context, env *Env) ([]*models.ConnectionResult, error) {
	var out []*models.ConnectionResult
	for _, prereq := range env.Task.Prerequisites {
		results, err := env.Store.ListConnectionResults(ctx, prereq)
		if err != nil {
			return nil, fmt.Errorf("failed to load connection results: %w", err)
		}
		out = append(out, results...)
	}
	return out, nil
}

func credentialByName(env *Env, name string) *models.Credential {
	for _, c := range env.Credentials {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func authFrom(p *secrets.Plaintext) httpsession.Auth {
	if p.Kind == models.AuthToken {
		return httpsession.Auth{Token: string(p.AuthToken)}
	}
	return httpsession.Auth{Username: p.Username, Password: string(p.Password)}
}

// sourceHost is the single API endpoint of an HTTP based source
func sourceHost(env *Env) (string, error) {
	if env.Source == nil || len(env.Source.Hosts) == 0 {
		return "", fmt.Errorf("source has no host")
	}
	return env.Source.Hosts[0], nil
}

func (env *Env) sessionOptions(host string, p *secrets.Plaintext) httpsession.Options {
	return env.HTTP.ForSource(env.Source, host, authFrom(p), string(env.Source.SourceType))
}

// checkFunc performs the liveness call of an HTTP source and returns its version
type checkFunc func(ctx context.Context, opts httpsession.Options) (string, error)

// httpConnect verifies that the source API answers an authenticated call
func httpConnect(check checkFunc) Runner {
	return RunnerFunc(func(ctx context.Context, env *Env) Result {
		host, err := sourceHost(env)
		if err != nil {
			return failed("%v", err)
		}
		p := newProgress(env, 1, models.TaskCounters{})
		if err := p.start(ctx); err != nil {
			return p.finish(ctx, err)
		}

		var version string
		cred, err := withCredentials(env, func(pt *secrets.Plaintext) error {
			v, err := check(ctx, env.sessionOptions(host, pt))
			version = v
			return err
		})

		result := &models.ConnectionResult{TaskID: env.Task.ID, Name: host, Status: models.InspectSuccess, Message: version}
		if cred != nil {
			result.Credential = cred.Name
		}
		if err != nil {
			_, result.Status = Classify(err)
			result.Message = err.Error()
			env.Log.Warn().Err(err).Str("host", host).Msg("Connection check failed")
		}
		if err := env.Store.SaveConnectionResult(ctx, result); err != nil {
			return p.finish(ctx, err)
		}
		return p.finish(ctx, p.record(ctx, result.Status))
	})
}

// withSourceSession decrypts the credential that connected to the source API
// and calls fn with session options for it.
func withSourceSession(ctx context.Context, env *Env, fn func(host string, opts httpsession.Options) error) error {
	host, err := sourceHost(env)
	if err != nil {
		return err
	}
	cred, err := connectedCredential(ctx, env, host)
	if err != nil {
		return err
	}
	return env.Codec.Acquire(cred, func(pt *secrets.Plaintext) error {
		return fn(host, env.sessionOptions(host, pt))
	})
}

// settle finishes a runner that may have failed before tracking progress
func settle(ctx context.Context, env *Env, p *progress, err error) Result {
	if p != nil {
		return p.finish(ctx, err)
	}
	if status, ok := env.interrupted(ctx); ok {
		return Result{Status: status, Message: fmt.Sprintf("task %s", status)}
	}
	if errors.Is(err, storage.ErrTaskNotRunning) {
		return Result{Status: models.StatusCanceled, Message: "task is no longer running"}
	}
	if err != nil {
		return failed("%v", err)
	}
	return completed("nothing to inspect")
}
