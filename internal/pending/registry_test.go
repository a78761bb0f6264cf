package pending

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blelink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type outcome struct {
	value []byte
	err   error
}

type recorder struct {
	mu    sync.Mutex
	calls []outcome
	fired chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan struct{}, 16)}
}

func (r *recorder) Callback(value []byte, err error) {
	r.mu.Lock()
	r.calls = append(r.calls, outcome{value, err})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *recorder) Calls() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.calls...)
}

type RegistryTestSuite struct {
	suite.Suite
	logger   *logrus.Logger
	registry *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.registry = NewRegistry(s.logger)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) TestKey() {
	s.Equal("connect", Key(OpConnect))
	s.Equal("read|svc|chr", Key(OpRead, "svc", "chr"))
	s.Equal("writeDescriptor|svc|chr|dsc", Key(OpWriteDescriptor, "svc", "chr", "dsc"))
	s.Equal("read", OpOf("read|svc|chr"))
	s.Equal("connect", OpOf("connect"))
}

func (s *RegistryTestSuite) TestTryRejectIsQuietForAbsentKeys() {
	// GOAL: Verify TryReject settles a pending key but logs nothing when the key is absent
	//
	// TEST SCENARIO: TryReject absent key → false, no warning; Reject absent key → warning; TryReject pending key → callback

	hook := logtest.NewLocal(s.logger)
	key := Key(OpRead, "s", "c")

	s.False(s.registry.TryReject(key, errors.New("gatt error")))
	s.Empty(hook.AllEntries(), "an absent key MUST NOT be reported")

	s.False(s.registry.Reject(key, errors.New("gatt error")))
	s.Require().NotNil(hook.LastEntry())
	s.Equal(logrus.WarnLevel, hook.LastEntry().Level)

	rec := newRecorder()
	s.registry.Register(key, time.Minute, rec.Callback)
	s.True(s.registry.TryReject(key, errors.New("gatt error")))
	calls := rec.Calls()
	s.Require().Len(calls, 1)
	s.EqualError(calls[0].err, "gatt error")
}

func (s *RegistryTestSuite) TestResolveFiresExactlyOnce() {
	// GOAL: Verify a resolved key fires its callback once and later settlements are no-ops
	//
	// TEST SCENARIO: Register → resolve → resolve again → reject → exactly one success callback

	rec := newRecorder()
	key := Key(OpRead, "s", "c")
	s.registry.Register(key, time.Minute, rec.Callback)
	s.True(s.registry.Has(key))

	s.True(s.registry.Resolve(key, []byte{0x2a}))
	s.False(s.registry.Resolve(key, []byte{0x2b}), "second resolve MUST be a no-op")
	s.False(s.registry.Reject(key, errors.New("late")), "reject after resolve MUST be a no-op")

	calls := rec.Calls()
	s.Require().Len(calls, 1)
	s.Equal([]byte{0x2a}, calls[0].value)
	s.NoError(calls[0].err)
	s.Equal(0, s.registry.Len())
}

func (s *RegistryTestSuite) TestRejectCarriesError() {
	rec := newRecorder()
	native := errors.New("Insufficient Authentication")
	s.registry.Register(Key(OpWrite, "s", "c"), time.Minute, rec.Callback)

	s.True(s.registry.Reject(Key(OpWrite, "s", "c"), native))

	calls := rec.Calls()
	s.Require().Len(calls, 1)
	s.Same(native, calls[0].err)
}

func (s *RegistryTestSuite) TestTimeoutFiresOnceThenLateResolveIsNoop() {
	// GOAL: Verify the timer settles an unresolved key with a timeout error
	//
	// TEST SCENARIO: Register with short timeout → wait → one TimeoutError → late resolve ignored

	rec := newRecorder()
	key := Key(OpRead, "s", "c")
	s.registry.Register(key, 20*time.Millisecond, rec.Callback)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		s.FailNow("timeout callback MUST fire")
	}

	s.False(s.registry.Resolve(key, []byte{1}), "late resolve MUST be a no-op")
	s.False(s.registry.Has(key))

	calls := rec.Calls()
	s.Require().Len(calls, 1)
	s.ErrorIs(calls[0].err, device.ErrTimeout)
	s.EqualError(calls[0].err, "read timeout")
}

func (s *RegistryTestSuite) TestOnTimeoutHookRunsBeforeCallback() {
	var order []string
	var mu sync.Mutex
	done := make(chan struct{})

	s.registry.Register(Key(OpConnect), 10*time.Millisecond, func(_ []byte, err error) {
		mu.Lock()
		order = append(order, "callback")
		mu.Unlock()
		close(done)
	}, OnTimeout(func() {
		mu.Lock()
		order = append(order, "hook")
		mu.Unlock()
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("connect timeout MUST fire")
	}
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"hook", "callback"}, order)
}

func (s *RegistryTestSuite) TestResolveCancelsTimer() {
	rec := newRecorder()
	key := Key(OpConnect)
	s.registry.Register(key, 30*time.Millisecond, rec.Callback)
	s.True(s.registry.Resolve(key, nil))

	time.Sleep(80 * time.Millisecond)
	s.Len(rec.Calls(), 1, "a settled key MUST NOT time out afterwards")
}

func (s *RegistryTestSuite) TestReRegisterSupersedesOldEntry() {
	// GOAL: Verify a same-key request replaces the live entry without orphaning its caller
	//
	// TEST SCENARIO: Register A → register B on same key → A rejected with ErrSuperseded → resolve reaches B

	first, second := newRecorder(), newRecorder()
	key := Key(OpRead, "s", "c")

	s.registry.Register(key, 30*time.Millisecond, first.Callback)
	s.registry.Register(key, time.Minute, second.Callback)

	s.Require().Len(first.Calls(), 1)
	s.ErrorIs(first.Calls()[0].err, device.ErrSuperseded)

	s.True(s.registry.Resolve(key, []byte{7}))
	s.Require().Len(second.Calls(), 1)
	s.Equal([]byte{7}, second.Calls()[0].value)

	time.Sleep(60 * time.Millisecond)
	s.Len(first.Calls(), 1, "the superseded timer MUST NOT fire")
	s.Len(second.Calls(), 1)
}

func (s *RegistryTestSuite) TestRejectAllKeepsExceptions() {
	a, b, c := newRecorder(), newRecorder(), newRecorder()
	s.registry.Register(Key(OpRead, "s", "c"), time.Minute, a.Callback)
	s.registry.Register(Key(OpWrite, "s", "c"), time.Minute, b.Callback)
	s.registry.Register(Key(OpTeardown), time.Minute, c.Callback)

	n := s.registry.RejectAll(device.ErrNotConnected, Key(OpTeardown))
	s.Equal(2, n)
	s.ErrorIs(a.Calls()[0].err, device.ErrNotConnected)
	s.ErrorIs(b.Calls()[0].err, device.ErrNotConnected)
	s.Empty(c.Calls())
	s.True(s.registry.Has(Key(OpTeardown)))
}

func (s *RegistryTestSuite) TestCallbackMayReenterRegistry() {
	key := Key(OpRead, "s", "c")
	var inner atomic.Bool
	s.registry.Register(key, time.Minute, func(_ []byte, _ error) {
		// entry is already gone, so a nested resolve is a no-op and must not deadlock
		inner.Store(s.registry.Resolve(key, nil))
		s.registry.Register(Key(OpWrite, "s", "c"), time.Minute, func([]byte, error) {})
	})

	s.True(s.registry.Resolve(key, nil))
	s.False(inner.Load())
	s.True(s.registry.Has(Key(OpWrite, "s", "c")))
}

func TestRegistry_ConcurrentSettlementHasOneWinner(t *testing.T) {
	registry := NewRegistry(nil)

	for i := 0; i < 200; i++ {
		var fired atomic.Int32
		key := Key(OpRead, "s", "c")
		registry.Register(key, time.Millisecond, func([]byte, error) { fired.Add(1) })

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				if j%2 == 0 {
					registry.TryResolve(key, nil)
				} else {
					registry.Reject(key, errors.New("x"))
				}
			}(j)
		}
		wg.Wait()

		require.Eventually(t, func() bool { return fired.Load() >= 1 }, time.Second, time.Millisecond)
		time.Sleep(3 * time.Millisecond)
		assert.Equal(t, int32(1), fired.Load(), "iteration %d: exactly one settlement MUST win", i)
	}
}
