package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/audit"
	"github.com/xela07ax/fleet-relay/internal/domain"
	"github.com/xela07ax/fleet-relay/internal/repository"
	"github.com/xela07ax/fleet-relay/internal/repository/sqlite"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, deviceID string, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[deviceID] {
		return fmt.Errorf("%w: %s", domain.ErrDeviceOffline, deviceID)
	}
	f.sent = append(f.sent, deviceID)
	return nil
}

func (f *fakeDispatcher) setOffline(deviceID string, offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[deviceID] = offline
}

func (f *fakeDispatcher) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type memJournal struct {
	mu     sync.Mutex
	events []audit.Event
}

func (j *memJournal) Log(e audit.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *memJournal) forDevice(deviceID string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		if e.DeviceID == deviceID {
			out = append(out, string(e.From)+">"+string(e.To))
		}
	}
	return out
}

type fixture struct {
	orch       *Orchestrator
	store      *repository.Store
	dispatcher *fakeDispatcher
	journal    *memJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, d := range []domain.Device{{ID: "d1", Name: "edge-01"}, {ID: "d2", Name: "edge-02"}, {ID: "d3", Name: "edge-03"}} {
		require.NoError(t, store.UpsertDevice(ctx, d))
	}
	require.NoError(t, store.UpsertGroup(ctx, domain.Group{ID: "edge", Name: "edge", DeviceIDs: []string{"d1", "d2"}}))
	require.NoError(t, store.UpsertGroup(ctx, domain.Group{ID: "empty", Name: "empty"}))
	require.NoError(t, store.UpsertSoftware(ctx, domain.Software{ID: "nginx", Name: "nginx", Version: "1.25", InstallCommand: "apt-get install -y nginx"}))

	disp := &fakeDispatcher{offline: map[string]bool{}}
	journal := &memJournal{}
	orch := NewOrchestrator(store, store, disp, journal, NewMetrics(nil), zap.NewNop(), Options{MaxConcurrentDispatch: 4})
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &fixture{orch: orch, store: store, dispatcher: disp, journal: journal}
}

func customInstall(devices ...string) CreateRequest {
	return CreateRequest{
		Name:           "htop rollout",
		DeviceIDs:      devices,
		CustomSoftware: &domain.CustomSoftware{Name: "htop", InstallCommand: "apt-get install -y htop"},
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) *domain.Deployment {
	t.Helper()
	d, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)
	f.orch.Wait()
	return d
}

func (f *fixture) progress(t *testing.T, id string) *Progress {
	t.Helper()
	p, err := f.orch.GetProgress(context.Background(), id)
	require.NoError(t, err)
	return p
}

func deviceRow(t *testing.T, p *Progress, deviceID string) DeviceProgress {
	t.Helper()
	for _, d := range p.Devices {
		if d.DeviceID == deviceID {
			return d
		}
	}
	t.Fatalf("device %s not in progress", deviceID)
	return DeviceProgress{}
}

func TestPartialFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.create(t, customInstall("d1", "d2", "d3"))
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, f.dispatcher.sentTo())

	p := f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentInProgress, p.Status)
	assert.NotNil(t, p.StartedAt)

	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d1", nil))
	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d2", nil))
	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d3", &domain.RemoteExecutionError{Message: "disk full"}))

	p = f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentPartiallyFailed, p.Status)
	assert.Equal(t, 66, p.Percent)
	assert.Equal(t, 3, p.Total)
	assert.True(t, p.Completed)
	assert.NotNil(t, p.EndedAt)
	d3 := deviceRow(t, p, "d3")
	assert.Equal(t, domain.WorkFailed, d3.Status)
	assert.Equal(t, "disk full", d3.Error)
	assert.Equal(t, "edge-03", d3.DeviceName)

	stored, err := f.store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentPartiallyFailed, stored.Status)

	// Повтор только упавшего D3
	retried, err := f.orch.RetryFailed(ctx, d.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d3"}, retried)
	f.orch.Wait()

	p = f.progress(t, d.ID)
	assert.Equal(t, 3, p.Total, "total never changes across retries")
	assert.Equal(t, domain.DeploymentInProgress, p.Status)
	assert.False(t, p.Completed)
	assert.Nil(t, p.EndedAt)
	assert.Equal(t, domain.WorkSuccess, deviceRow(t, p, "d1").Status)
	assert.Equal(t, domain.WorkInProgress, deviceRow(t, p, "d3").Status)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3", "d3"}, f.dispatcher.sentTo())

	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d3", nil))

	p = f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentSuccess, p.Status)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, 3, p.Total)
	assert.Empty(t, deviceRow(t, p, "d3").Error)
	assert.NotNil(t, p.EndedAt)

	assert.Equal(t, []string{
		"pending>in_progress",
		"in_progress>failed",
		"failed>pending",
		"pending>in_progress",
		"in_progress>success",
	}, f.journal.forDevice("d3"))
}

func TestCreateEmptyTargetSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, CreateRequest{
		GroupIDs:       []string{"empty"},
		CustomSoftware: &domain.CustomSoftware{Name: "htop", InstallCommand: "apt-get install -y htop"},
	})
	require.ErrorIs(t, err, domain.ErrEmptyTargetSet)

	list, err := f.store.ListDeployments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.dispatcher.sentTo())
}

func TestTargetResolutionUnionDedupe(t *testing.T) {
	f := newFixture(t)

	req := customInstall("d2", "d3", " ", "d3")
	req.GroupIDs = []string{"edge"}
	d := f.create(t, req)

	assert.Equal(t, []string{"d2", "d3", "d1"}, d.TargetDeviceIDs)
	units, err := f.store.ListWorkUnits(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Len(t, units, 3)
}

func TestOfflineDeviceFailsWithoutBlockingOthers(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.setOffline("d2", true)

	d := f.create(t, customInstall("d1", "d2", "d3"))
	assert.ElementsMatch(t, []string{"d1", "d3"}, f.dispatcher.sentTo())

	p := f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentInProgress, p.Status)
	d2 := deviceRow(t, p, "d2")
	assert.Equal(t, domain.WorkFailed, d2.Status)
	assert.Equal(t, "device offline: d2", d2.Error)
	assert.Equal(t, domain.WorkInProgress, deviceRow(t, p, "d1").Status)
	assert.Equal(t, domain.WorkInProgress, deviceRow(t, p, "d3").Status)
}

func TestAllFailed(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.setOffline("d1", true)
	f.dispatcher.setOffline("d2", true)

	d := f.create(t, customInstall("d1", "d2"))
	p := f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentFailed, p.Status)
	assert.Equal(t, 0, p.Percent)
	assert.True(t, p.Completed)

	// Устройство вернулось: повтор по тому же развертыванию
	f.dispatcher.setOffline("d1", false)
	retried, err := f.orch.RetryFailed(context.Background(), d.ID, []string{"d1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, retried)
	f.orch.Wait()

	p = f.progress(t, d.ID)
	assert.Equal(t, domain.WorkInProgress, deviceRow(t, p, "d1").Status)
	assert.Equal(t, domain.WorkFailed, deviceRow(t, p, "d2").Status)
}

func TestRetryTouchesOnlyNamedFailedUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.create(t, customInstall("d1", "d2", "d3"))
	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d1", nil))
	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d2", &domain.RemoteExecutionError{Message: "exit 1"}))
	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d3", &domain.RemoteExecutionError{Message: "exit 2"}))

	retried, err := f.orch.RetryFailed(ctx, d.ID, []string{"d1", "d2", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, retried)
	f.orch.Wait()

	p := f.progress(t, d.ID)
	assert.Equal(t, domain.WorkSuccess, deviceRow(t, p, "d1").Status)
	assert.Equal(t, domain.WorkInProgress, deviceRow(t, p, "d2").Status)
	d3 := deviceRow(t, p, "d3")
	assert.Equal(t, domain.WorkFailed, d3.Status)
	assert.Equal(t, "exit 2", d3.Error)

	// Нечего повторять
	retried, err = f.orch.RetryFailed(ctx, d.ID, []string{"d1"})
	require.NoError(t, err)
	assert.Empty(t, retried)

	_, err = f.orch.RetryFailed(ctx, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrDeploymentNotFound)
}

func TestConcurrentCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	devices := make([]string, 40)
	for i := range devices {
		devices[i] = fmt.Sprintf("node-%02d", i)
	}
	d := f.create(t, customInstall(devices...))

	var wg sync.WaitGroup
	for i, id := range devices {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			var execErr error
			if i%4 == 0 {
				execErr = &domain.RemoteExecutionError{Message: "boom"}
			}
			assert.NoError(t, f.orch.ReportResult(ctx, d.ID, id, execErr))
		}(i, id)
	}
	wg.Wait()

	p := f.progress(t, d.ID)
	assert.Equal(t, 40, p.Total)
	assert.Equal(t, 30, p.Succeeded)
	assert.Equal(t, 10, p.Failed)
	assert.Equal(t, 75, p.Percent)
	assert.Equal(t, domain.DeploymentPartiallyFailed, p.Status)

	stored, err := f.store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentPartiallyFailed, stored.Status, "no lost aggregate update")
	assert.NotNil(t, stored.EndedAt)
	assert.Equal(t, 0, f.orch.locks.size())
}

func TestDuplicateAndUnknownResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, customInstall("d1"))

	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d1", nil))
	err := f.orch.ReportResult(ctx, d.ID, "d1", &domain.RemoteExecutionError{Message: "late"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.ErrorIs(t, f.orch.ReportResult(ctx, d.ID, "d9", nil), domain.ErrWorkUnitNotFound)

	p := f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentSuccess, p.Status)
}

func TestReportProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, customInstall("d1"))

	require.NoError(t, f.orch.ReportProgress(ctx, d.ID, "d1", 40))
	assert.Equal(t, 40, deviceRow(t, f.progress(t, d.ID), "d1").Percent)

	require.NoError(t, f.orch.ReportProgress(ctx, d.ID, "d1", 140))
	assert.Equal(t, 100, deviceRow(t, f.progress(t, d.ID), "d1").Percent)

	require.NoError(t, f.orch.ReportResult(ctx, d.ID, "d1", &domain.RemoteExecutionError{Message: "x"}))
	assert.ErrorIs(t, f.orch.ReportProgress(ctx, d.ID, "d1", 50), domain.ErrInvalidTransition)
}

func TestCreatePayloadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, CreateRequest{DeviceIDs: []string{"d1"}, SoftwareIDs: []string{"nope"}})
	assert.ErrorIs(t, err, domain.ErrUnknownSoftware)

	_, err = f.orch.Create(ctx, CreateRequest{DeviceIDs: []string{"d1"}})
	assert.ErrorIs(t, err, domain.ErrEmptyPayload)

	_, err = f.orch.Create(ctx, CreateRequest{
		DeviceIDs:   []string{"d1"},
		SoftwareIDs: []string{"nginx"},
		FileCopy:    &domain.FileCopySpec{SourceURL: "https://files.local/motd", Destination: "/etc/motd"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	list, err := f.store.ListDeployments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	d := f.create(t, CreateRequest{DeviceIDs: []string{"d1"}, SoftwareIDs: []string{"nginx"}})
	require.Len(t, d.Payload.Software, 1)
	assert.Equal(t, "apt-get install -y nginx", d.Payload.Software[0].InstallCommand)

	fc := f.create(t, CreateRequest{DeviceIDs: []string{"d2"}, FileCopy: &domain.FileCopySpec{
		SourceURL: "https://files.local/motd", Destination: "/etc/motd", Mode: "0644",
	}})
	assert.Equal(t, domain.PayloadFileCopy, fc.Payload.Kind)
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, customInstall("d1"))
	second := f.create(t, customInstall("d2"))

	list, err := f.orch.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

// flakyStore отказывает в чтении юнита заданное число раз на устройство
type flakyStore struct {
	Store

	mu      sync.Mutex
	failGet map[string]int
}

func (s *flakyStore) GetWorkUnit(ctx context.Context, deploymentID, deviceID string) (domain.WorkUnit, error) {
	s.mu.Lock()
	if s.failGet[deviceID] > 0 {
		s.failGet[deviceID]--
		s.mu.Unlock()
		return domain.WorkUnit{}, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.Store.GetWorkUnit(ctx, deploymentID, deviceID)
}

func TestStoreFailureOnStartFailsUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	flaky := &flakyStore{Store: f.store, failGet: map[string]int{"d2": 1}}
	orch := NewOrchestrator(flaky, f.store, f.dispatcher, f.journal, NewMetrics(nil), zap.NewNop(), Options{MaxConcurrentDispatch: 4})
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	d, err := orch.Create(ctx, customInstall("d1", "d2", "d3"))
	require.NoError(t, err)
	orch.Wait()
	assert.ElementsMatch(t, []string{"d1", "d3"}, f.dispatcher.sentTo())

	d2 := deviceRow(t, f.progress(t, d.ID), "d2")
	assert.Equal(t, domain.WorkFailed, d2.Status)
	assert.Contains(t, d2.Error, "start work unit")
	assert.Contains(t, d2.Error, "connection reset by peer")

	require.NoError(t, orch.ReportResult(ctx, d.ID, "d1", nil))
	require.NoError(t, orch.ReportResult(ctx, d.ID, "d3", nil))
	p := f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentPartiallyFailed, p.Status)
	assert.True(t, p.Completed)

	// Упавший на старте юнит подбирается обычным повтором
	retried, err := orch.RetryFailed(ctx, d.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, retried)
	orch.Wait()

	assert.Equal(t, domain.WorkInProgress, deviceRow(t, f.progress(t, d.ID), "d2").Status)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, f.dispatcher.sentTo())
	assert.Equal(t, []string{
		"pending>failed",
		"failed>pending",
		"pending>in_progress",
	}, f.journal.forDevice("d2"))
}

// blockingDispatcher держит отправку до отмены контекста оркестратора
type blockingDispatcher struct {
	entered chan string
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, deviceID string, d *domain.Deployment) error {
	b.entered <- deviceID
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownFailsUndeliveredUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	disp := &blockingDispatcher{entered: make(chan string, 2)}
	orch := NewOrchestrator(f.store, f.store, disp, f.journal, NewMetrics(nil), zap.NewNop(), Options{MaxConcurrentDispatch: 1})

	d, err := orch.Create(ctx, customInstall("d1", "d2"))
	require.NoError(t, err)

	select {
	case id := <-disp.entered:
		assert.Equal(t, "d1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch did not start")
	}
	require.NoError(t, orch.Shutdown(ctx))

	p := f.progress(t, d.ID)
	assert.Equal(t, domain.DeploymentFailed, p.Status)
	for _, id := range []string{"d1", "d2"} {
		row := deviceRow(t, p, id)
		assert.Equal(t, domain.WorkFailed, row.Status, id)
		assert.Equal(t, domain.ErrShutdown.Error(), row.Error, id)
	}

	_, err = orch.RetryFailed(ctx, d.ID, nil)
	assert.ErrorIs(t, err, domain.ErrShutdown)
	_, err = orch.Create(ctx, customInstall("d3"))
	assert.ErrorIs(t, err, domain.ErrShutdown)

	// После рестарта новый оркестратор повторяет их как обычные отказы
	next := NewOrchestrator(f.store, f.store, f.dispatcher, f.journal, NewMetrics(nil), zap.NewNop(), Options{MaxConcurrentDispatch: 4})
	t.Cleanup(func() { _ = next.Shutdown(context.Background()) })
	retried, err := next.RetryFailed(ctx, d.ID, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, retried)
	next.Wait()
	assert.ElementsMatch(t, []string{"d1", "d2"}, f.dispatcher.sentTo())
}
