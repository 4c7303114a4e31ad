package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/bus"
	"main/internal/channel"
	"main/internal/obs"
	"main/internal/state"
	"main/internal/transport"
	"main/pkg/backoff"
	"main/pkg/exception"
)

// fakeTransport is a scriptable transport double.
type fakeTransport struct {
	emitter *bus.Emitter
	mode    string
	quality int

	mu           sync.Mutex
	connectErr   error
	connected    bool
	connectCalls int
	sent         []channel.Message

	// terminalAttempts, when non-zero, makes a failed Connect emit the
	// terminal connection_error a real socket emits after exhausting its
	// local reconnect budget.
	terminalAttempts int
}

func newFakeTransport(mode string, quality int) *fakeTransport {
	return &fakeTransport{
		emitter: bus.NewEmitter(),
		mode:    mode,
		quality: quality,
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	err := f.connectErr
	terminal := f.terminalAttempts
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	if err != nil {
		if terminal > 0 {
			f.emitter.Emit(channel.EventConnectionError, transport.ErrorPayload{
				Err:      err,
				Message:  err.Error(),
				Attempts: terminal,
			})
		}
		return err
	}
	f.emitter.Emit(channel.EventConnectionOpened, transport.OpenedPayload{
		Mode:    f.mode,
		Quality: f.quality,
	})
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.emitter.Emit(channel.EventConnectionClosed, transport.ClosedPayload{
			Code: 1000, Clean: true,
		})
	}
}

func (f *fakeTransport) Send(msg channel.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeTransport) Events() *bus.Emitter { return f.emitter }
func (f *fakeTransport) Quality() int         { return f.quality }

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func fastManagerConfig() Config {
	return Config{
		MaxRetries: 2,
		Retry:      backoff.Policy{Kind: backoff.Constant, Base: time.Millisecond},
	}
}

func newTestManager(t *testing.T, cfg Config, primary, fallback transport.Transport) *Manager {
	t.Helper()
	machine := state.NewMachine(state.Config{})
	m := New(cfg, machine, obs.NewMetrics(), primary, fallback, nil)
	t.Cleanup(m.Destroy)
	return m
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestConnectUsesPrimary(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	var opened []transport.OpenedPayload
	m.On(channel.EventConnectionOpened, func(payload any) {
		opened = append(opened, payload.(transport.OpenedPayload))
	})

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, ModeWebSocket, m.Mode())
	assert.Equal(t, 90, m.Quality())
	require.Len(t, opened, 1)
	assert.Equal(t, "websocket", opened[0].Mode)
	assert.Zero(t, fallback.calls())
}

func TestConnectDegradesToFallback(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	primary.setConnectErr(errors.New("dial refused"))
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	var opened []transport.OpenedPayload
	m.On(channel.EventConnectionOpened, func(payload any) {
		opened = append(opened, payload.(transport.OpenedPayload))
	})

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, ModeFallback, m.Mode())
	assert.Equal(t, 50, m.Quality())
	require.Len(t, opened, 1, "callers must see exactly one opened event")
	assert.Equal(t, "fallback", opened[0].Mode)
}

func TestConnectOfflineWhenAllFail(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	primary.setConnectErr(errors.New("dial refused"))
	fallback := newFakeTransport("fallback", 50)
	fallback.setConnectErr(errors.New("no fallback either"))
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	var terminal []transport.ErrorPayload
	m.On(channel.EventConnectionError, func(payload any) {
		terminal = append(terminal, payload.(transport.ErrorPayload))
	})

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, exception.ErrExhaustedRetries)

	assert.Equal(t, ModeOffline, m.Mode())
	assert.Zero(t, m.Quality())
	assert.False(t, m.Send(channel.New(channel.TypePing, nil)))
	require.Len(t, terminal, 1)
	assert.ErrorIs(t, terminal[0].Err, exception.ErrExhaustedRetries)
}

func TestInitialFailureSkipsRetryTier(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	primary.setConnectErr(errors.New("dial refused"))
	primary.terminalAttempts = 1
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	var mu sync.Mutex
	var errEvents, messages int
	m.On(channel.EventConnectionError, func(any) {
		mu.Lock()
		errEvents++
		mu.Unlock()
	})
	m.On(channel.TypeMessage, func(any) {
		mu.Lock()
		messages++
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, ModeFallback, m.Mode())
	mu.Lock()
	errsAfterConnect := errEvents
	mu.Unlock()

	// At millisecond pacing a wrongly started retry tier would have spent
	// its whole budget many times over within this window.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, primary.calls(), "initial failure must degrade, not start the retry tier")
	assert.Equal(t, ModeFallback, m.Mode())

	// The fallback stays bound: its events still reach callers, and the
	// dead primary's dial errors do not.
	fallback.emitter.Emit(channel.TypeMessage, channel.New(channel.TypeMessage, nil))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, messages, "fallback events must stay forwarded")
	assert.Equal(t, errsAfterConnect, errEvents, "no primary errors after settling in fallback")
}

func TestRetryTierRecoversPrimary(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, ModeWebSocket, m.Mode())

	// The socket reports a terminal failure after its own budget; the
	// manager's tier should dial it again and recover.
	primary.Events().Emit(channel.EventConnectionError, transport.ErrorPayload{
		Err:      exception.ErrExhaustedRetries,
		Message:  "socket gave up",
		Attempts: 5,
	})

	waitFor(t, func() bool { return primary.calls() >= 2 }, "manager never retried the primary")
	waitFor(t, func() bool { return m.Mode() == ModeWebSocket }, "manager never recovered websocket mode")
}

func TestRetryTierFallsBackPermanently(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	require.NoError(t, m.Connect(context.Background()))
	primary.setConnectErr(errors.New("still down"))
	callsAfterConnect := primary.calls()

	primary.Events().Emit(channel.EventConnectionError, transport.ErrorPayload{
		Err:      exception.ErrExhaustedRetries,
		Attempts: 5,
	})

	waitFor(t, func() bool { return m.Mode() == ModeFallback }, "manager never fell back")
	assert.Equal(t, callsAfterConnect+2, primary.calls(), "retry tier should spend its whole budget")

	// Once fallen back for the session, a plain Connect skips the primary.
	m.Disconnect()
	waitFor(t, func() bool {
		require.NoError(t, m.Connect(context.Background()))
		return m.Mode() == ModeFallback
	}, "connect after permanent fallback never settled in fallback mode")
	assert.Equal(t, callsAfterConnect+2, primary.calls())
}

func TestRefreshRestoresPrimary(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	require.NoError(t, m.Connect(context.Background()))
	primary.setConnectErr(errors.New("down"))
	primary.Events().Emit(channel.EventConnectionError, transport.ErrorPayload{Attempts: 5})
	waitFor(t, func() bool { return m.Mode() == ModeFallback }, "manager never fell back")

	// Refresh resets the retry tier and tries the primary again.
	primary.setConnectErr(nil)
	waitFor(t, func() bool {
		require.NoError(t, m.Refresh(context.Background()))
		return m.Mode() == ModeWebSocket
	}, "refresh never restored websocket mode")
}

func TestSendDelegatesToActiveTransport(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Send(channel.New(channel.TypeMessage, map[string]string{"text": "hi"})))

	primary.mu.Lock()
	defer primary.mu.Unlock()
	require.Len(t, primary.sent, 1)
	assert.Equal(t, channel.TypeMessage, primary.sent[0].Type)
}

func TestDestroyedManagerRejectsConnect(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	m.Destroy()
	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, exception.ErrTransportClosed)
}

func TestFeedRecordsModeSwitches(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	feed := bus.NewQueue(16)
	machine := state.NewMachine(state.Config{})
	m := New(fastManagerConfig(), machine, obs.NewMetrics(), primary, fallback, feed)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	m.Destroy()

	var types []string
	feed.Run(context.Background(), func(e bus.Event) {
		types = append(types, e.Type)
	})
	assert.Contains(t, types, "mode_switch")
}

func TestCapabilityPerMode(t *testing.T) {
	primary := newFakeTransport("websocket", 90)
	fallback := newFakeTransport("fallback", 50)
	m := newTestManager(t, fastManagerConfig(), primary, fallback)

	assert.ErrorIs(t, m.Capability(FeatureBidirectionalMessaging), exception.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	assert.NoError(t, m.Capability(FeatureBidirectionalMessaging))
	assert.ErrorIs(t, m.Capability(FeatureSimulatedUpdates), exception.ErrCapabilityUnavailable)

	m.Disconnect()
	m.mu.Lock()
	m.permanentFallback = true
	m.mu.Unlock()
	require.NoError(t, m.Connect(context.Background()))
	assert.NoError(t, m.Capability(FeatureSimulatedUpdates))
	assert.ErrorIs(t, m.Capability(FeatureBidirectionalMessaging), exception.ErrCapabilityUnavailable)
}

func TestFeaturesPerMode(t *testing.T) {
	assert.Equal(t, []Feature{
		FeatureBidirectionalMessaging,
		FeatureQualityMonitoring,
		FeatureAutoReconnect,
	}, FeaturesForMode(ModeWebSocket))

	assert.Equal(t, []Feature{
		FeatureSimulatedUpdates,
		FeatureOfflineSafeInteraction,
	}, FeaturesForMode(ModeFallback))

	assert.Nil(t, FeaturesForMode(ModeOffline))
}
