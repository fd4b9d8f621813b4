package runners

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"quipucords/internal/clients/network"
	"quipucords/internal/models"
	"quipucords/internal/processors"
	"quipucords/internal/secrets"
	"quipucords/internal/targets"
)

var errPlaybookTask = errors.New("playbook task failed")

func connectNetwork(ctx context.Context, env *Env) Result {
	hosts, err := targets.Expand(env.Source.Hosts, env.Source.ExcludeHosts)
	if err != nil {
		return failed("invalid host list: %v", err)
	}

	existing, err := env.Store.ListConnectionResults(ctx, env.Task.ID)
	if err != nil {
		return failed("failed to load connection results: %v", err)
	}
	done := map[string]bool{}
	var resumed models.TaskCounters
	for _, r := range existing {
		if done[r.Name] {
			continue
		}
		done[r.Name] = true
		switch r.Status {
		case models.InspectSuccess:
			resumed.SystemsScanned++
		case models.InspectUnreachable:
			resumed.SystemsUnreachable++
		default:
			resumed.SystemsFailed++
		}
	}

	p := newProgress(env, len(hosts), resumed)
	if err := p.start(ctx); err != nil {
		return p.finish(ctx, err)
	}
	pending := slices.DeleteFunc(slices.Clone(hosts), func(h string) bool { return done[h] })
	port := env.Source.EffectivePort()

	err = fanOut(ctx, env, pending, func(ctx context.Context, host string) error {
		cred, err := withCredentials(env, func(pt *secrets.Plaintext) error {
			return env.SSH.Check(ctx, host, port, pt)
		})
		result := &models.ConnectionResult{TaskID: env.Task.ID, Name: host, Status: models.InspectSuccess}
		if cred != nil {
			result.Credential = cred.Name
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, result.Status = Classify(err)
			result.Message = err.Error()
			env.Log.Debug().Err(err).Str("host", host).Msg("Host failed connection check")
		}
		if err := env.Store.SaveConnectionResult(ctx, result); err != nil {
			return err
		}
		return p.record(ctx, result.Status)
	})
	return p.finish(ctx, err)
}

func inspectNetwork(ctx context.Context, env *Env) Result {
	conns, err := connectionResults(ctx, env)
	if err != nil {
		return failed("%v", err)
	}
	group, err := ensureGroup(ctx, env, env.Version)
	if err != nil {
		return failed("%v", err)
	}
	done, resumed, err := resume(ctx, env, group)
	if err != nil {
		return failed("failed to load inspect results: %v", err)
	}

	// reachable hosts grouped by the credential that authenticated them
	var reachable []string
	byCredential := map[string][]string{}
	seen := map[string]bool{}
	for _, c := range conns {
		if c.Status != models.InspectSuccess || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		reachable = append(reachable, c.Name)
		if !done[c.Name] {
			byCredential[c.Credential] = append(byCredential[c.Credential], c.Name)
		}
	}

	p := newProgress(env, len(reachable), resumed)
	if err := p.start(ctx); err != nil {
		return p.finish(ctx, err)
	}
	pipeline := processors.NewPipeline(processors.Default(), env.Log)
	batchSize := max(env.Concurrency, 1)

	for _, cred := range env.Credentials {
		hosts := byCredential[cred.Name]
		for len(hosts) > 0 {
			if _, ok := env.interrupted(ctx); ok {
				return p.finish(ctx, nil)
			}
			batch := hosts[:min(batchSize, len(hosts))]
			hosts = hosts[len(batch):]

			err := env.Codec.Acquire(cred, func(pt *secrets.Plaintext) error {
				return inspectBatch(ctx, env, group, p, pipeline, batch, pt)
			})
			if err != nil {
				return p.finish(ctx, err)
			}
		}
	}
	return p.finish(ctx, nil)
}

// inspectBatch runs the playbook against hosts and persists one result per host
func inspectBatch(ctx context.Context, env *Env, group *models.InspectGroup, p *progress,
	pipeline *processors.Pipeline, hosts []string, pt *secrets.Plaintext) error {
	port := env.Source.EffectivePort()
	req := network.RunRequest{Forks: len(hosts), ExtraVars: extraVars(env.Job.Options)}
	if pt.Kind == models.AuthSSHKey {
		req.SSHKey = pt.SSHKey
	}
	for _, h := range hosts {
		hv := network.HostVars{Name: h, Address: h, Port: port, User: pt.Username}
		if pt.Kind == models.AuthPassword {
			hv.Password = string(pt.Password)
		}
		if pt.HasBecome() {
			hv.BecomeMethod = string(pt.BecomeMethod)
			hv.BecomeUser = pt.BecomeUser
			hv.BecomePassword = string(pt.BecomePassword)
		}
		req.Hosts = append(req.Hosts, hv)
	}

	collector := newHostCollector()
	runErr := env.Playbook.Run(ctx, req, func(ev network.Event) error {
		if _, ok := env.interrupted(ctx); ok {
			return errInterrupted
		}
		collector.handle(ev)
		return nil
	})
	if runErr != nil {
		if errors.Is(runErr, errInterrupted) || ctx.Err() != nil {
			return errInterrupted
		}
		env.Log.Error().Err(runErr).Int("hosts", len(hosts)).Msg("Playbook run failed")
	}

	for _, h := range hosts {
		var result *models.InspectResult
		outcome := collector.hosts[h]
		switch {
		case outcome == nil && runErr != nil:
			result = failedResult(h, runErr)
		case outcome == nil:
			result = failedResult(h, fmt.Errorf("%w: no output for host", errPlaybookTask))
		case outcome.err != nil:
			result = failedResult(h, outcome.err)
		default:
			facts := pipeline.Process(outcome.facts)
			facts["connection_host"] = h
			facts["connection_port"] = port
			facts["connection_uuid"] = uuid.NewString()
			var err error
			if result, err = successResult(h, facts); err != nil {
				result = failedResult(h, err)
			}
		}
		if err := p.save(ctx, group, result); err != nil {
			return err
		}
	}
	return nil
}

func extraVars(opts models.ScanOptions) map[string]any {
	products := opts.Products()
	vars := map[string]any{
		"jboss_eap":  products.JBossEAP,
		"jboss_fuse": products.JBossFuse,
		"jboss_brms": products.JBossBRMS,
		"jboss_ws":   products.JBossWS,
	}
	if ext := opts.ExtendedSearch; ext != nil {
		vars["jboss_eap_ext"] = ext.JBossEAP
		vars["jboss_fuse_ext"] = ext.JBossFuse
		vars["jboss_brms_ext"] = ext.JBossBRMS
		vars["jboss_ws_ext"] = ext.JBossWS
		if len(ext.SearchDirectories) > 0 {
			vars["search_directories"] = strings.Join(ext.SearchDirectories, " ")
		}
	}
	return vars
}

type hostOutcome struct {
	facts map[string]any
	err   error
}

// hostCollector groups playbook events by host
type hostCollector struct {
	hosts map[string]*hostOutcome
}

func newHostCollector() *hostCollector {
	return &hostCollector{hosts: map[string]*hostOutcome{}}
}

func (c *hostCollector) handle(ev network.Event) {
	if ev.Host == "" {
		return
	}
	o, ok := c.hosts[ev.Host]
	if !ok {
		o = &hostOutcome{facts: map[string]any{}}
		c.hosts[ev.Host] = o
	}
	switch ev.Kind {
	case network.EventOK:
		ev.Result.Get("ansible_facts").ForEach(func(k, v gjson.Result) bool {
			o.facts[k.String()] = v.Value()
			return true
		})
	case network.EventUnreachable:
		o.err = fmt.Errorf("%w: %s", network.ErrUnreachable, ev.Result.Get("msg").String())
	case network.EventFailed:
		if !ev.IgnoreErrors && o.err == nil {
			o.err = fmt.Errorf("%w: %s: %s", errPlaybookTask, ev.Task, ev.Result.Get("msg").String())
		}
	}
}
