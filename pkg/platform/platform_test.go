package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/embed-platform/pkg/auth"
	"github.com/txn2/embed-platform/pkg/coordinator"
	"github.com/txn2/embed-platform/pkg/embed"
	"github.com/txn2/embed-platform/pkg/embed/embedtest"
	"github.com/txn2/embed-platform/pkg/powerbi"
	"github.com/txn2/embed-platform/pkg/retry"
	"github.com/txn2/embed-platform/pkg/token"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.PersistenceKey = "test"
	cfg.Retry.BaseDelay = time.Millisecond
	return cfg
}

func countingSource(calls *atomic.Int32) auth.Source {
	return auth.SourceFunc(func(context.Context) (auth.Result, error) {
		calls.Add(1)
		return auth.Result{AccessToken: "aad-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
	})
}

func newTestPlatform(t *testing.T, e embed.Embedder, opts ...Option) *Platform {
	t.Helper()
	var calls atomic.Int32
	base := []Option{WithConfig(testConfig()), WithEmbedder(e), WithTokenSource(countingSource(&calls))}
	p, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.closeStorage() })
	return p
}

func reportRequest(containerID, reportID string) LoadRequest {
	return LoadRequest{
		ContainerID: containerID,
		Container:   embedtest.NewContainer(containerID),
		Config: embed.Config{
			Type:      embed.KindReport,
			ID:        reportID,
			GroupID:   "g1",
			EmbedURL:  "https://app.powerbi.com/reportEmbed?reportId=" + reportID,
			TokenType: embed.TokenTypeAAD,
		},
		Priority: coordinator.PriorityNormal,
	}
}

// gateEmbedder blocks every Embed until released or canceled.
type gateEmbedder struct {
	gate    chan struct{}
	started chan string
	mu      sync.Mutex
	handles []*embedtest.Handle
}

func newGateEmbedder() *gateEmbedder {
	return &gateEmbedder{gate: make(chan struct{}), started: make(chan string, 16)}
}

func (g *gateEmbedder) Embed(ctx context.Context, c embed.Container, _ embed.Config) (embed.Handle, error) {
	g.started <- c.ID()
	select {
	case <-g.gate:
		h := embedtest.NewHandle()
		g.mu.Lock()
		g.handles = append(g.handles, h)
		g.mu.Unlock()
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestNew(t *testing.T) {
	t.Run("load requires embedder", func(t *testing.T) {
		p, err := New()
		require.NoError(t, err)
		_, err = p.Load(context.Background(), reportRequest("c1", "rep-1"))
		assert.ErrorIs(t, err, ErrNoEmbedder)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Persistence.Durable = "redis"
		_, err := New(WithEmbedder(embedtest.NewEmbedder()), WithConfig(cfg))
		assert.ErrorContains(t, err, "unknown backend")
	})

	t.Run("postgres without db", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Persistence.Durable = BackendPostgres
		cfg.Database.DSN = "postgres://localhost/embed"
		_, err := New(WithEmbedder(embedtest.NewEmbedder()), WithConfig(cfg))
		assert.ErrorContains(t, err, "database connection")
	})

	t.Run("defaults", func(t *testing.T) {
		p, err := New(WithEmbedder(embedtest.NewEmbedder()))
		require.NoError(t, err)
		assert.Equal(t, "embed-platform", p.Registry().PersistenceKey())
		assert.Equal(t, 3, p.Coordinator().Snapshot().MaxConcurrent)
		assert.Nil(t, p.PowerBI())
	})
}

func TestLoad_EmbedsAndRegisters(t *testing.T) {
	e := embedtest.NewEmbedder()
	p := newTestPlatform(t, e)
	req := reportRequest("c1", "rep-1")

	live, err := p.Load(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, embed.KindReport, live.Kind)
	assert.Equal(t, "rep-1", live.Config.ID)

	calls := e.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "aad-token", calls[0].AccessToken)

	assert.NotNil(t, p.Registry().Lookup("c1"))
	assert.Empty(t, p.Coordinator().Snapshot().Admitted)
	assert.Zero(t, req.Container.(*embedtest.Container).Clears())

	h := e.Handles[0]
	assert.True(t, h.Subscribed(embed.EventLoaded))
	assert.True(t, h.Subscribed(embed.EventError))
}

func TestLoad_ReusesLiveInstance(t *testing.T) {
	e := embedtest.NewEmbedder()
	p := newTestPlatform(t, e)

	first, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	second, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)

	assert.Len(t, e.Calls(), 1)
	assert.Same(t, first.Handle, second.Handle)
}

func TestLoad_ReplacesDifferentTarget(t *testing.T) {
	e := embedtest.NewEmbedder()
	p := newTestPlatform(t, e)

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	live, err := p.Load(context.Background(), reportRequest("c1", "rep-2"))
	require.NoError(t, err)

	assert.Len(t, e.Calls(), 2)
	assert.Equal(t, "rep-2", live.Config.ID)
	assert.Equal(t, 1, e.Handles[0].Closes())
	assert.Zero(t, e.Handles[1].Closes())
}

func TestLoad_RetriesTransientFailure(t *testing.T) {
	e := embedtest.NewEmbedder(&embed.Error{Code: "TooManyRequests", Status: http.StatusTooManyRequests})
	p := newTestPlatform(t, e)

	live, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Len(t, e.Calls(), 2)
	assert.Zero(t, p.RetryPolicy().Attempts("c1"))
}

func TestLoad_TerminalFailure(t *testing.T) {
	e := embedtest.NewEmbedder(&embed.Error{Code: "PowerBIEntityNotFound", Message: "report deleted"})
	p := newTestPlatform(t, e)

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, retry.NotFound, loadErr.Class)
	assert.Equal(t, retry.UserMessage(retry.NotFound), loadErr.Message)
	assert.Zero(t, loadErr.Attempts)

	var embedErr *embed.Error
	assert.ErrorAs(t, err, &embedErr)
	assert.Len(t, e.Calls(), 1)
	assert.Nil(t, p.Registry().Lookup("c1"))
	assert.Empty(t, p.Coordinator().Snapshot().Admitted)
}

func TestLoad_GivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("network glitch")
	e := embedtest.NewEmbedder(boom, boom, boom, boom, boom)
	p := newTestPlatform(t, e)

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, retry.Unknown, loadErr.Class)
	assert.Equal(t, retry.DefaultMaxAttempts, loadErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, e.Calls(), 1+retry.DefaultMaxAttempts)
}

func TestLoad_TokenExpiredRenewsToken(t *testing.T) {
	var sourceCalls atomic.Int32
	e := embedtest.NewEmbedder(&embed.Error{Code: "TokenExpired", Message: "Access token has expired"})
	p := newTestPlatform(t, e, WithTokenSource(countingSource(&sourceCalls)))

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), sourceCalls.Load())
	assert.Len(t, e.Calls(), 2)
}

func TestLoad_NoTokenSource(t *testing.T) {
	e := embedtest.NewEmbedder()
	p, err := New(WithConfig(testConfig()), WithEmbedder(e))
	require.NoError(t, err)

	_, err = p.Load(context.Background(), reportRequest("c1", "rep-1"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, retry.TokenExpired, loadErr.Class)
	var authErr *token.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Empty(t, e.Calls())
}

func TestLoad_QueryUserErrorRefreshesHandle(t *testing.T) {
	partial := embedtest.NewHandle()
	var calls atomic.Int32
	e := embed.EmbedderFunc(func(_ context.Context, _ embed.Container, _ embed.Config) (embed.Handle, error) {
		if calls.Add(1) == 1 {
			return partial, &embed.Error{Code: "QueryUserError", Message: "visual query failed"}
		}
		return embedtest.NewHandle(), nil
	})
	p := newTestPlatform(t, e)

	live, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	assert.Same(t, partial, live.Handle.(*embedtest.Handle))
	assert.Equal(t, 1, partial.Refreshes())
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoad_QueryUserErrorFallsBackToReembed(t *testing.T) {
	partial := embedtest.NewHandle()
	partial.RefreshErr = errors.New("refresh rejected")
	var calls atomic.Int32
	e := embed.EmbedderFunc(func(_ context.Context, _ embed.Container, _ embed.Config) (embed.Handle, error) {
		if calls.Add(1) == 1 {
			return partial, &embed.Error{Code: "QueryUserError"}
		}
		return embedtest.NewHandle(), nil
	})
	p := newTestPlatform(t, e)

	live, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	assert.NotSame(t, partial, live.Handle.(*embedtest.Handle))
	assert.Equal(t, 1, partial.Closes())
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoad_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.LoadTimeout = 30 * time.Millisecond
	cfg.Retry.MaxAttempts = 1
	g := newGateEmbedder()
	p := newTestPlatform(t, g, WithConfig(cfg))

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, coordinator.ErrTimeout)
	assert.Equal(t, retry.Unknown, loadErr.Class)
	assert.Len(t, g.started, 2)
	assert.Empty(t, p.Coordinator().Snapshot().Admitted)
	assert.Nil(t, p.Registry().Lookup("c1"))
}

func TestLoad_DuplicateWhileInFlight(t *testing.T) {
	g := newGateEmbedder()
	p := newTestPlatform(t, g)

	done := make(chan error, 1)
	go func() {
		_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
		done <- err
	}()
	<-g.started

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	assert.ErrorIs(t, err, ErrDuplicateLoad)

	close(g.gate)
	require.NoError(t, <-done)
	assert.NotNil(t, p.Registry().Lookup("c1"))
}

func TestLoad_CanceledWhileQueued(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.MaxConcurrent = 1
	g := newGateEmbedder()
	p := newTestPlatform(t, g, WithConfig(cfg))

	done := make(chan error, 1)
	go func() {
		_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
		done <- err
	}()
	<-g.started

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := p.Load(ctx, reportRequest("c2", "rep-2"))
		queued <- err
	}()
	require.Eventually(t, func() bool {
		return p.Coordinator().State("c2") == coordinator.StateQueued
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-queued, context.Canceled)
	assert.Equal(t, coordinator.StateIdle, p.Coordinator().State("c2"))

	close(g.gate)
	require.NoError(t, <-done)
	assert.Len(t, g.started, 0)
}

// stubbornEmbedder blocks every Embed until released, ignoring its context.
type stubbornEmbedder struct {
	gate    chan struct{}
	started chan string
	mu      sync.Mutex
	handles []*embedtest.Handle
}

func newStubbornEmbedder() *stubbornEmbedder {
	return &stubbornEmbedder{gate: make(chan struct{}), started: make(chan string, 16)}
}

func (s *stubbornEmbedder) Embed(_ context.Context, c embed.Container, _ embed.Config) (embed.Handle, error) {
	s.started <- c.ID()
	<-s.gate
	h := embedtest.NewHandle()
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

func (s *stubbornEmbedder) closedAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if h.Closes() != 1 {
			return false
		}
	}
	return len(s.handles) > 0
}

func loadAsync(p *Platform, req LoadRequest) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := p.Load(context.Background(), req)
		done <- err
	}()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("load still blocked")
		return nil
	}
}

func TestRelease_QueuedLoad(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.MaxConcurrent = 1
	g := newGateEmbedder()
	p := newTestPlatform(t, g, WithConfig(cfg))

	first := loadAsync(p, reportRequest("c1", "rep-1"))
	<-g.started
	second := loadAsync(p, reportRequest("c2", "rep-2"))
	require.Eventually(t, func() bool {
		return p.Coordinator().State("c2") == coordinator.StateQueued
	}, time.Second, time.Millisecond)

	assert.True(t, p.Release("c2"))
	assert.ErrorIs(t, waitErr(t, second), ErrCanceled)

	close(g.gate)
	require.NoError(t, waitErr(t, first))
	assert.Nil(t, p.Registry().Lookup("c2"))
	assert.Len(t, g.started, 0, "released load never started")
}

func TestRelease_InFlightLoad(t *testing.T) {
	s := newStubbornEmbedder()
	p := newTestPlatform(t, s)

	done := loadAsync(p, reportRequest("c1", "rep-1"))
	<-s.started

	assert.True(t, p.Release("c1"))
	assert.ErrorIs(t, waitErr(t, done), ErrCanceled)
	assert.Equal(t, coordinator.StateIdle, p.Coordinator().State("c1"))

	close(s.gate)
	require.Eventually(t, s.closedAll, time.Second, time.Millisecond)
	assert.Nil(t, p.Registry().Lookup("c1"))
	assert.Empty(t, p.Registry().Snapshot().Live)
}

func TestStop_CancelsPendingLoads(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.MaxConcurrent = 1
	s := newStubbornEmbedder()
	p := newTestPlatform(t, s, WithConfig(cfg))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	inFlight := loadAsync(p, reportRequest("c1", "rep-1"))
	<-s.started
	queued := loadAsync(p, reportRequest("c2", "rep-2"))
	require.Eventually(t, func() bool {
		return p.Coordinator().State("c2") == coordinator.StateQueued
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(ctx))
	assert.ErrorIs(t, waitErr(t, queued), ErrCanceled)
	assert.ErrorIs(t, waitErr(t, inFlight), ErrCanceled)

	close(s.gate)
	require.Eventually(t, s.closedAll, time.Second, time.Millisecond)
	assert.Empty(t, p.Registry().Snapshot().Live)

	_, err := p.Load(ctx, reportRequest("c3", "rep-3"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoad_ReuseReturnsCopy(t *testing.T) {
	p := newTestPlatform(t, embedtest.NewEmbedder())
	req := reportRequest("c1", "rep-1")
	_, err := p.Load(context.Background(), req)
	require.NoError(t, err)

	li, err := p.Load(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, li)
	p.Release("c1")
	assert.Equal(t, "c1", li.ContainerID)
}

func TestLoad_Validation(t *testing.T) {
	p := newTestPlatform(t, embedtest.NewEmbedder())

	bad := []LoadRequest{
		{Container: embedtest.NewContainer("x"), Config: embed.Config{Type: embed.KindReport}},
		{ContainerID: "x", Config: embed.Config{Type: embed.KindReport}},
		{ContainerID: "x", Container: embedtest.NewContainer("x"), Config: embed.Config{Type: "paginated"}},
	}
	for _, req := range bad {
		_, err := p.Load(context.Background(), req)
		assert.Error(t, err)
	}
}

func TestLoad_EmbedTokenFromPowerBI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/g1/reports/rep-1/GenerateToken", r.URL.Path)
		assert.Equal(t, "Bearer aad-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(powerbi.EmbedToken{Token: "embed-token", TokenID: "t", Expiration: time.Now().Add(time.Hour)})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Auth.Mode = AuthModeStatic
	cfg.Auth.StaticToken = "aad-token"
	cfg.PowerBI.Enabled = true
	cfg.PowerBI.BaseURL = srv.URL

	e := embedtest.NewEmbedder()
	p, err := New(WithConfig(cfg), WithEmbedder(e))
	require.NoError(t, err)
	require.NotNil(t, p.PowerBI())

	req := reportRequest("c1", "rep-1")
	req.Config.TokenType = embed.TokenTypeEmbed
	_, err = p.Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "embed-token", e.Calls()[0].AccessToken)
}

func TestRelease(t *testing.T) {
	e := embedtest.NewEmbedder()
	p := newTestPlatform(t, e)
	req := reportRequest("c1", "rep-1")

	_, err := p.Load(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, p.Release("c1"))
	assert.False(t, p.Release("c1"))
	assert.Nil(t, p.Registry().Lookup("c1"))
	assert.Equal(t, 1, e.Handles[0].Closes())
	assert.Zero(t, req.Container.(*embedtest.Container).Children())
}

func TestStartStopRestoresAcrossProcesses(t *testing.T) {
	cfg := testConfig()
	cfg.Persistence.Durable = BackendSQLite
	cfg.Persistence.Session = BackendSQLite
	cfg.Persistence.SQLitePath = filepath.Join(t.TempDir(), "state.db")
	cfg.Persistence.PersistToken = true
	ctx := context.Background()

	var sourceCalls atomic.Int32
	e := embedtest.NewEmbedder()
	p, err := New(WithConfig(cfg), WithEmbedder(e), WithTokenSource(countingSource(&sourceCalls)))
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	_, err = p.Load(ctx, reportRequest("c1", "rep-1"))
	require.NoError(t, err)
	require.NoError(t, p.Registry().SaveConfig(map[string]string{"workspace": "g1"}))
	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, 1, e.Handles[0].Closes())

	next, err := New(WithConfig(cfg), WithEmbedder(embedtest.NewEmbedder()))
	require.NoError(t, err)
	require.NoError(t, next.Start(ctx))
	defer func() { _ = next.Stop(ctx) }()

	assert.True(t, next.Registry().Initialized())
	assert.True(t, next.Registry().NeedsReembed("c1"))
	assert.Nil(t, next.Registry().Lookup("c1"))
	assert.True(t, next.Tokens().IsValid())
	assert.Equal(t, "aad-token", next.Tokens().Current().Value)

	status := next.Status()
	assert.True(t, status.TokenValid)
	require.Len(t, status.Registry.Persisted, 1)
	assert.Empty(t, status.Registry.Live)
}

func sqliteConfig(t *testing.T) *Config {
	cfg := testConfig()
	cfg.Persistence.Durable = BackendSQLite
	cfg.Persistence.Session = BackendSQLite
	cfg.Persistence.SQLitePath = filepath.Join(t.TempDir(), "state.db")
	return cfg
}

func TestStart_FailureReleasesStorage(t *testing.T) {
	ctx := context.Background()
	p, err := New(WithConfig(sqliteConfig(t)), WithEmbedder(embedtest.NewEmbedder()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.sqliteDB.Cleanup(ctx)
	require.NoError(t, err)

	p.config.Persistence.CleanupSchedule = "not a schedule"
	require.Error(t, p.Start(ctx))
	assert.False(t, p.lifecycle.IsStarted())

	_, err = p.sqliteDB.Cleanup(ctx)
	assert.Error(t, err, "storage should be closed after a failed start")
	assert.NoError(t, p.Close())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	p, err := New(WithConfig(sqliteConfig(t)), WithEmbedder(embedtest.NewEmbedder()))
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = p.sqliteDB.Cleanup(ctx)
	assert.Error(t, err)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Stop(ctx))
}

func TestStatus(t *testing.T) {
	p := newTestPlatform(t, embedtest.NewEmbedder())

	s := p.Status()
	assert.Equal(t, "embed-platform", s.Name)
	assert.False(t, s.TokenValid)
	assert.Nil(t, s.TokenExpiry)

	_, err := p.Load(context.Background(), reportRequest("c1", "rep-1"))
	require.NoError(t, err)

	s = p.Status()
	assert.True(t, s.TokenValid)
	assert.NotNil(t, s.TokenExpiry)
	assert.Equal(t, []string{"c1"}, s.Registry.Live)
}
