package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/domain"
)

type reportCall struct {
	deploymentID string
	deviceID     string
	percent      int
	err          error
	result       bool
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reportCall
}

func (f *fakeReporter) ReportProgress(ctx context.Context, deploymentID, deviceID string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportCall{deploymentID: deploymentID, deviceID: deviceID, percent: percent})
	return nil
}

func (f *fakeReporter) ReportResult(ctx context.Context, deploymentID, deviceID string, execErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportCall{deploymentID: deploymentID, deviceID: deviceID, err: execErr, result: true})
	return nil
}

func (f *fakeReporter) snapshot() []reportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reportCall(nil), f.calls...)
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) MarkOnline(ctx context.Context, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[agentID] = true
}

func (p *fakePresence) MarkOffline(ctx context.Context, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, agentID)
}

func (p *fakePresence) isOnline(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[agentID]
}

type hubFixture struct {
	registry *Registry
	hub      *Hub
	reporter *fakeReporter
	presence *fakePresence
}

func newHubFixture() *hubFixture {
	m := NewMetrics(nil)
	r := NewRegistry(zap.NewNop(), m)
	c := NewChannel(r, m, zap.NewNop())
	rep := &fakeReporter{}
	pr := &fakePresence{online: map[string]bool{}}
	return &hubFixture{
		registry: r,
		hub:      NewHub(r, c, rep, pr, m, zap.NewNop(), 8),
		reporter: rep,
		presence: pr,
	}
}

func (f *hubFixture) connectAgent(t *testing.T, ctx context.Context, agentID string) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- f.hub.ServeAgent(ctx, conn) }()
	conn.in <- []byte(`{"type":"register_agent","agent_id":"` + agentID + `"}`)
	require.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(RoleAgent, agentID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return conn, done
}

func (f *hubFixture) connectOperator(t *testing.T, ctx context.Context, agentID string) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	before, _ := f.registry.Lookup(RoleOperator, agentID)
	go func() { done <- f.hub.ServeOperator(ctx, agentID, conn) }()
	require.Eventually(t, func() bool {
		cur, ok := f.registry.Lookup(RoleOperator, agentID)
		return ok && cur != before
	}, 2*time.Second, 5*time.Millisecond)
	return conn, done
}

func TestHubCommandRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	agentConn, _ := f.connectAgent(t, ctx, "edge-1")
	assert.True(t, f.presence.isOnline("edge-1"))
	opConn, _ := f.connectOperator(t, ctx, "edge-1")

	cmd := []byte(`{"type":"run_command","payload":"uptime"}`)
	opConn.in <- cmd
	assert.Equal(t, cmd, recvFrame(t, agentConn.out))

	out := TextFrame(TypeOutput, " 10:00 up 3 days")
	agentConn.in <- out
	assert.Equal(t, out, recvFrame(t, opConn.out))
}

func TestHubForwardsUntypedOperatorFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	agentConn, _ := f.connectAgent(t, ctx, "edge-1")
	opConn, _ := f.connectOperator(t, ctx, "edge-1")

	frame := []byte(`{"cmd":"uptime","args":["-p"]}`)
	opConn.in <- frame
	assert.Equal(t, frame, recvFrame(t, agentConn.out))
	requireNoFrame(t, opConn.out)
}

func TestHubOperatorAgentUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	opConn, _ := f.connectOperator(t, ctx, "offline-1")
	opConn.in <- []byte(`{"type":"run_command","payload":"ls"}`)

	msg, err := ParseFrame(recvFrame(t, opConn.out))
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "agent unreachable", msg.Text())
}

func TestHubRejectsMalformedOperatorFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	agentConn, _ := f.connectAgent(t, ctx, "edge-1")
	opConn, _ := f.connectOperator(t, ctx, "edge-1")

	opConn.in <- []byte(`rm -rf /`)
	msg, err := ParseFrame(recvFrame(t, opConn.out))
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, errMalformedFrame, msg.Text())
	requireNoFrame(t, agentConn.out)
}

func TestHubOperatorSuperseded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	agentConn, _ := f.connectAgent(t, ctx, "X")
	firstConn, firstDone := f.connectOperator(t, ctx, "X")
	secondConn, _ := f.connectOperator(t, ctx, "X")

	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, domain.ErrSessionSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded operator session did not terminate")
	}
	assert.True(t, firstConn.isClosed())
	assert.ErrorIs(t, firstConn.closeReason(), domain.ErrSessionSuperseded)

	agentConn.in <- TextFrame(TypeOutput, "for the newest operator")
	recvFrame(t, secondConn.out)
	requireNoFrame(t, firstConn.out)
}

func TestHubDeployReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	agentConn, _ := f.connectAgent(t, ctx, "d3")
	agentConn.in <- []byte(`{"type":"deploy_progress","deployment_id":"dep-1","percent":40}`)
	agentConn.in <- []byte(`{"type":"deploy_result","deployment_id":"dep-1","status":"failed","error":"disk full"}`)

	require.Eventually(t, func() bool { return len(f.reporter.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	calls := f.reporter.snapshot()
	assert.Equal(t, reportCall{deploymentID: "dep-1", deviceID: "d3", percent: 40}, calls[0])
	assert.True(t, calls[1].result)
	assert.EqualError(t, calls[1].err, "disk full")
}

func TestHubAgentDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newHubFixture()

	agentConn, done := f.connectAgent(t, ctx, "edge-9")
	_ = agentConn.Close(nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent serve loop did not exit")
	}
	_, ok := f.registry.Lookup(RoleAgent, "edge-9")
	assert.False(t, ok)
	assert.False(t, f.presence.isOnline("edge-9"))
}

func TestHubInvalidRegister(t *testing.T) {
	f := newHubFixture()
	conn := newFakeConn()
	conn.in <- []byte(`{"type":"output","payload":"hi"}`)

	err := f.hub.ServeAgent(context.Background(), conn)
	assert.Error(t, err)
	assert.True(t, conn.isClosed())
	assert.Empty(t, f.registry.Agents())
}
