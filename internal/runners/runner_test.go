package runners

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/httpsession"
	"quipucords/internal/models"
	"quipucords/internal/secrets"
	"quipucords/internal/storage"
)

// fixture is a job with one source, its connect and inspect tasks and a
// fingerprint task, all backed by memory storage
type fixture struct {
	store       *storage.MemoryStorage
	codec       *secrets.Codec
	job         *models.ScanJob
	source      *models.Source
	creds       []*models.Credential
	connect     *models.ScanTask
	inspect     *models.ScanTask
	fingerprint *models.ScanTask
}

func newFixture(t *testing.T, sourceType models.SourceType, serverURL string, creds ...*models.Credential) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	codec, err := secrets.NewCodec([]byte(strings.Repeat("k", secrets.KeySize)))
	require.NoError(t, err)

	for _, c := range creds {
		c.Type = sourceType
		require.NoError(t, codec.SealCredential(c))
		require.NoError(t, store.CreateCredential(ctx, c))
	}

	opts, err := httpsession.OptionsFromURL(serverURL)
	require.NoError(t, err)
	src := &models.Source{
		Name:       "test-" + string(sourceType),
		SourceType: sourceType,
		Hosts:      []string{opts.Host},
		Port:       opts.Port,
		SSL:        models.SSLOptions{DisableSSL: opts.DisableSSL},
	}
	for _, c := range creds {
		src.CredentialIDs = append(src.CredentialIDs, c.ID)
	}
	require.NoError(t, store.CreateSource(ctx, src))

	report := &models.Report{ReportPlatformID: "platform", ReportVersion: "1.0.0+test"}
	require.NoError(t, store.CreateReport(ctx, report))
	job := &models.ScanJob{ScanType: models.ScanTypeInspect, Options: models.ScanOptions{MaxConcurrency: 2}, ReportID: &report.ID}
	require.NoError(t, store.CreateJob(ctx, job))

	srcID := src.ID
	connect := &models.ScanTask{JobID: job.ID, SourceID: &srcID, SourceType: sourceType, ScanType: models.ScanTypeConnect, SequenceNumber: 1}
	require.NoError(t, store.CreateTask(ctx, connect))
	inspect := &models.ScanTask{JobID: job.ID, SourceID: &srcID, SourceType: sourceType, ScanType: models.ScanTypeInspect,
		SequenceNumber: 2, Prerequisites: []int64{connect.ID}}
	require.NoError(t, store.CreateTask(ctx, inspect))
	fp := &models.ScanTask{JobID: job.ID, ScanType: models.ScanTypeFingerprint, SequenceNumber: 3, Prerequisites: []int64{inspect.ID}}
	require.NoError(t, store.CreateTask(ctx, fp))

	return &fixture{store: store, codec: codec, job: job, source: src, creds: creds, connect: connect, inspect: inspect, fingerprint: fp}
}

// start moves a task to running the way the coordinator and worker do
func (f *fixture) start(t *testing.T, task *models.ScanTask) {
	t.Helper()
	for _, s := range []models.Status{models.StatusPending, models.StatusRunning} {
		_, err := f.store.TransitionTask(context.Background(), task.ID, s, "")
		require.NoError(t, err)
	}
}

func (f *fixture) env(task *models.ScanTask) *Env {
	return &Env{
		Task:        task,
		Job:         f.job,
		Source:      f.source,
		Credentials: f.creds,
		Codec:       f.codec,
		Store:       f.store,
		Log:         zerolog.Nop(),
		Concurrency: 2,
		ServerID:    "server-1",
	}
}

func (f *fixture) run(t *testing.T, task *models.ScanTask) Result {
	t.Helper()
	f.start(t, task)
	runner, err := Default().Lookup(task)
	require.NoError(t, err)
	return runner.Run(context.Background(), f.env(task))
}

func (f *fixture) results(t *testing.T, task *models.ScanTask) map[string]*models.InspectResult {
	t.Helper()
	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.InspectGroupID)
	results, err := f.store.ListInspectResults(context.Background(), *stored.InspectGroupID)
	require.NoError(t, err)
	out := map[string]*models.InspectResult{}
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func basicCredential(name, user, password string) *models.Credential {
	return &models.Credential{Name: name, Username: user, Auth: models.AuthMaterial{Kind: models.AuthPassword, Password: password}}
}

type satelliteServer struct {
	hosts             []string
	unauthorizedSubs  map[int]bool
	subscriptionCalls atomic.Int32
}

func (s *satelliteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v2/hosts")
	switch {
	case r.URL.Path == "/api/status":
		writeJSON(w, map[string]any{"version": "6.15.0", "api_version": 2})
	case path == "" || path == "/":
		results := make([]map[string]any, 0, len(s.hosts))
		for i, name := range s.hosts {
			results = append(results, map[string]any{"id": i + 1, "name": name})
		}
		writeJSON(w, map[string]any{"subtotal": len(s.hosts), "page": 1, "per_page": 100, "results": results})
	case strings.HasSuffix(path, "/subscriptions"):
		s.subscriptionCalls.Add(1)
		id, _ := strconv.Atoi(strings.Trim(strings.TrimSuffix(path, "/subscriptions"), "/"))
		if s.unauthorizedSubs[id] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"results": []map[string]any{
			{"name": "Red Hat Enterprise Linux Server", "product_id": "RH00001", "amount": 1},
		}})
	default:
		id, err := strconv.Atoi(strings.Trim(path, "/"))
		if err != nil || id < 1 || id > len(s.hosts) {
			http.NotFound(w, r)
			return
		}
		name := s.hosts[id-1]
		writeJSON(w, map[string]any{
			"id":                   id,
			"name":                 name,
			"ip":                   "10.0.0." + strconv.Itoa(id),
			"mac":                  "52:54:00:00:00:0" + strconv.Itoa(id),
			"operatingsystem_name": "RedHat 8.7",
			"architecture_name":    "x86_64",
			"subscription_facet_attributes": map[string]any{
				"uuid":         "sub-" + name,
				"last_checkin": "2024-01-02 10:00:00 UTC",
			},
			"facts": map[string]any{
				"cpu::cpu_socket(s)":      "2",
				"cpu::core(s)_per_socket": "4",
				"memory::memtotal":        "8388608",
				"virt::is_guest":          "false",
			},
		})
	}
}

func TestSatelliteHostFailureIsIsolated(t *testing.T) {
	server := &satelliteServer{hosts: []string{"a.example.com", "b.example.com", "c.example.com"}, unauthorizedSubs: map[int]bool{2: true}}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	f := newFixture(t, models.SourceTypeSatellite, srv.URL, basicCredential("sat", "admin", "secret"))

	res := f.run(t, f.connect)
	require.Equal(t, models.StatusCompleted, res.Status, res.Message)

	res = f.run(t, f.inspect)
	require.Equal(t, models.StatusCompleted, res.Status, res.Message)

	task, err := f.store.GetTask(context.Background(), f.inspect.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCounters{SystemsCount: 3, SystemsScanned: 2, SystemsFailed: 1}, task.Counters)

	results := f.results(t, f.inspect)
	require.Len(t, results, 3)
	b := results["b.example.com"]
	assert.Equal(t, models.InspectFailed, b.Status)
	assert.Equal(t, string(FailureAuthentication), b.ErrorKind)
	assert.Empty(t, b.Facts)

	a := results["a.example.com"].FactMap()
	assert.Equal(t, "sub-a.example.com", a["uuid"])
	assert.EqualValues(t, 8, a["cores"])
	assert.EqualValues(t, 8388608*1024, a["memory_bytes"])

	res = f.run(t, f.fingerprint)
	require.Equal(t, models.StatusCompleted, res.Status, res.Message)

	dr, err := f.store.GetDeploymentsReport(context.Background(), *f.job.ReportID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, dr.Status)
	fps, err := f.store.ListFingerprints(context.Background(), dr.ID)
	require.NoError(t, err)
	require.Len(t, fps, 2)
	names := []string{fps[0].Name, fps[1].Name}
	assert.ElementsMatch(t, []string{"a.example.com", "c.example.com"}, names)
}

func TestInspectResumesSkipsHandledHosts(t *testing.T) {
	server := &satelliteServer{hosts: []string{"a.example.com", "b.example.com"}}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	f := newFixture(t, models.SourceTypeSatellite, srv.URL, basicCredential("sat", "admin", "secret"))
	require.Equal(t, models.StatusCompleted, f.run(t, f.connect).Status)
	require.Equal(t, models.StatusCompleted, f.run(t, f.inspect).Status)
	require.EqualValues(t, 2, server.subscriptionCalls.Load())

	// a second run of the same task finds every host already recorded
	stored, err := f.store.GetTask(context.Background(), f.inspect.ID)
	require.NoError(t, err)
	res := inspectSatellite(context.Background(), f.env(stored))
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "2 of 2 system(s) scanned", res.Message)
	assert.EqualValues(t, 2, server.subscriptionCalls.Load())
	assert.Len(t, f.results(t, f.inspect), 2)
}

type countingInterrupt struct {
	after  int32
	calls  *atomic.Int32
	status models.Status
}

func (i countingInterrupt) Requested(context.Context) (models.Status, bool) {
	if i.calls.Load() >= i.after {
		return i.status, true
	}
	return "", false
}

func TestInspectStopsWhenInterrupted(t *testing.T) {
	hosts := make([]string, 20)
	for i := range hosts {
		hosts[i] = "host" + strconv.Itoa(i) + ".example.com"
	}
	server := &satelliteServer{hosts: hosts}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	f := newFixture(t, models.SourceTypeSatellite, srv.URL, basicCredential("sat", "admin", "secret"))
	require.Equal(t, models.StatusCompleted, f.run(t, f.connect).Status)

	f.start(t, f.inspect)
	env := f.env(f.inspect)
	env.Concurrency = 1
	env.Interrupt = countingInterrupt{after: 3, calls: &server.subscriptionCalls, status: models.StatusCanceled}

	res := inspectSatellite(context.Background(), env)
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.Less(t, len(f.results(t, f.inspect)), len(hosts))
}

func TestConnectFallsBackToNextCredential(t *testing.T) {
	server := &satelliteServer{}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	f := newFixture(t, models.SourceTypeSatellite, srv.URL,
		basicCredential("wrong", "admin", "nope"),
		basicCredential("right", "admin", "secret"),
	)
	res := f.run(t, f.connect)
	require.Equal(t, models.StatusCompleted, res.Status, res.Message)

	results, err := f.store.ListConnectionResults(context.Background(), f.connect.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.InspectSuccess, results[0].Status)
	assert.Equal(t, "right", results[0].Credential)
	assert.Equal(t, "6.15.0", results[0].Message)

	// inspection uses the credential that connected
	cred, err := connectedCredential(context.Background(), f.env(f.inspect), f.source.Hosts[0])
	require.NoError(t, err)
	assert.Equal(t, "right", cred.Name)
}

func TestConnectFailsWhenEveryCredentialIsRejected(t *testing.T) {
	srv := httptest.NewServer(&satelliteServer{})
	t.Cleanup(srv.Close)

	f := newFixture(t, models.SourceTypeSatellite, srv.URL, basicCredential("wrong", "admin", "nope"))
	res := f.run(t, f.connect)
	assert.Equal(t, models.StatusFailed, res.Status)

	results, err := f.store.ListConnectionResults(context.Background(), f.connect.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.InspectFailed, results[0].Status)
	assert.Empty(t, results[0].Credential)
}

func TestACSInspectYieldsOneResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acs-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"userId": "admin"})
	})
	mux.HandleFunc("/v1/administration/usage/secured-units/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"numNodes": "3", "numCpuUnits": "24"})
	})
	mux.HandleFunc("/v1/administration/usage/secured-units/max", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("from"))
		writeJSON(w, map[string]any{"maxNodes": "5", "maxCpuUnits": "40"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cred := &models.Credential{Name: "acs", Auth: models.AuthMaterial{Kind: models.AuthToken, AuthToken: "acs-token"}}
	f := newFixture(t, models.SourceTypeACS, srv.URL, cred)
	require.Equal(t, models.StatusCompleted, f.run(t, f.connect).Status)

	res := f.run(t, f.inspect)
	require.Equal(t, models.StatusCompleted, res.Status, res.Message)

	results := f.results(t, f.inspect)
	require.Len(t, results, 1)
	facts := results[f.source.Hosts[0]].FactMap()
	assert.Equal(t, map[string]any{"nodes": float64(3), "cpu_units": float64(24)}, facts["secured_units_current"])
	assert.Contains(t, facts, "secured_units_max")
}

func TestRegistryLookup(t *testing.T) {
	r := Default()
	for _, st := range models.SourceTypes {
		for _, phase := range []models.ScanType{models.ScanTypeConnect, models.ScanTypeInspect} {
			_, err := r.Lookup(&models.ScanTask{SourceType: st, ScanType: phase})
			assert.NoError(t, err, "%s %s", st, phase)
		}
	}
	runner, err := r.Lookup(&models.ScanTask{ScanType: models.ScanTypeFingerprint})
	require.NoError(t, err)
	assert.NotNil(t, runner)

	_, err = NewRegistry(nil).Lookup(&models.ScanTask{SourceType: models.SourceTypeNetwork, ScanType: models.ScanTypeInspect})
	assert.Error(t, err)
}

func TestFingerprintRequiresReport(t *testing.T) {
	res := runFingerprint(context.Background(), &Env{Job: &models.ScanJob{ID: 4}, Task: &models.ScanTask{}, Log: zerolog.Nop()})
	assert.Equal(t, models.StatusFailed, res.Status)
}
