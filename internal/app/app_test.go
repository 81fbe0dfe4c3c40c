package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dare/internal/config"
	"dare/internal/registration"
	"dare/internal/storage"
	logx "dare/pkg/logx"
)

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMappingDefaults(t *testing.T) {
	cfg, err := config.LoadApp("")
	require.NoError(t, err)

	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, "file", sc.Driver)

	lc, err := mapLoopConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, lc.MinWait)
	require.Equal(t, 6*time.Second, lc.MaxWait)
	require.Equal(t, 500, lc.ReauthEvery)

	pc, err := mapPortalConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, pc.Timeout)
	require.Equal(t, 3, pc.AuthRetries)

	tc, err := mapTaskConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, tc.Debounce)
	require.True(t, tc.ExitWhenIdle)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	require.True(t, nc.Enabled)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.App{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	require.False(t, enabled)

	_, _, err = mapStorageConfig(&config.App{Storage: &config.StorageConfig{Driver: "sqlite"}})
	require.ErrorContains(t, err, "storage.path")

	sc, _, err := mapStorageConfig(&config.App{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	require.NoError(t, err)
	require.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.App{Storage: &config.StorageConfig{Driver: "redis"}})
	require.ErrorContains(t, err, "unknown storage.driver")
}

func TestMapTaskConfigRejectsBadResync(t *testing.T) {
	cfg, err := config.LoadApp("")
	require.NoError(t, err)
	cfg.Supervisor.Resync = "sometimes"
	_, err = mapTaskConfig(cfg)
	require.Error(t, err)
}

func TestAuditRecorderAppends(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "dare")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	job := registration.NewJob("/jobs/a.yaml", registration.JobSpec{Username: "20123456"}, logx.Nop())
	auditRecorder{store: st}.Record(context.Background(), job, registration.AuditEvent{
		Kind:    "cart_error",
		CRN:     "10001",
		Message: "Time Conflict",
	})

	got, err := st.ListAudit(context.Background(), storage.AuditQuery{JobID: "/jobs/a.yaml"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, job.RunID, got[0].RunID)
	require.Equal(t, "10001", got[0].CRN)
	require.False(t, got[0].At.IsZero())
}

func newTestApp(t *testing.T, portalURL string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	jobs := filepath.Join(dir, "configs")
	require.NoError(t, os.MkdirAll(jobs, 0o755))
	cfgPath := writeFile(t, filepath.Join(dir, "config.json"), `{
		"logging": { "level": "error", "job_dir": "`+filepath.Join(dir, "logs")+`" },
		"portal": { "base_url": "`+portalURL+`", "sso_url": "`+portalURL+`" },
		"supervisor": {
			"config_dir": "`+jobs+`",
			"debounce": "10ms",
			"reap_interval": "10ms",
			"startup_poll": "10ms",
			"resync": "off"
		},
		"notifier": { "enabled": false },
		"storage": { "driver": "file", "path": "`+filepath.Join(dir, "data", "dare")+`" }
	}`)
	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	return a, jobs
}

func TestBuildJobOpensJobLog(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	a, jobs := newTestApp(t, srv.URL)
	defer func() { _ = a.store.Close(); _ = a.logs.Close() }()

	path := writeFile(t, filepath.Join(jobs, "alice.yaml"), `
login: { username: "20123456", password: "pw" }
term: 2026 Fall De Anza
settings: { enable_logging: true }
courses:
  - primary: "10001"
`)
	jf, err := config.LoadJob(path)
	require.NoError(t, err)

	j, err := a.buildJob(jf)
	require.NoError(t, err)
	require.NotEmpty(t, j.RunID())
	run := j.(*jobRun)
	require.NotNil(t, run.logOut)
	require.Equal(t, "20123456", run.job.Username)
	require.FileExists(t, filepath.Join(a.cfg.Logging.JobDir, "alice.log"))
	require.NoError(t, run.logOut.Close())

	other, err := a.buildJob(jf)
	require.NoError(t, err)
	require.NotEqual(t, j.RunID(), other.RunID())
	_ = other.(*jobRun).logOut.Close()
}

func TestRunExitsWhenNoJobs(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	a, _ := newTestApp(t, srv.URL)

	var statuses []string
	a.OnStatus = func(s string) { statuses = append(statuses, s) }

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit with an empty job directory")
	}
	require.Empty(t, statuses)
}
