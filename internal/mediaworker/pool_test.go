package mediaworker

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

func TestNewPoolDefaultsSizeToAtLeastOne(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(p.workers), 1)
}

func TestNewPoolHonorsExplicitSize(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 3)
	require.NoError(t, err)
	assert.Len(t, p.workers, 3)
}

func TestRouterCodecsListsAllFourCodecs(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 1)
	require.NoError(t, err)

	caps := p.RouterCodecs()
	assert.ElementsMatch(t, []string{
		webrtc.MimeTypeOpus, webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeH264,
	}, caps.Codecs)
}

func TestCreateRouterRegistersAndCloseRouterForgets(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 1)
	require.NoError(t, err)

	r, err := p.CreateRouter()
	require.NoError(t, err)
	require.NotEmpty(t, r.ID())

	found, ok := p.RouterByID(r.ID())
	require.True(t, ok)
	assert.Equal(t, r, found)

	p.CloseRouter(r)
	_, ok = p.RouterByID(r.ID())
	assert.False(t, ok)

	// Idempotent: closing twice does not panic.
	p.CloseRouter(r)
}

func TestCreateRouterIDRoundTripsWithCloseRouterByID(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 1)
	require.NoError(t, err)

	id, err := p.CreateRouterID()
	require.NoError(t, err)

	_, ok := p.RouterByID(id)
	require.True(t, ok)

	p.CloseRouterByID(id)
	_, ok = p.RouterByID(id)
	assert.False(t, ok)

	// Closing an unknown id is a no-op, not an error.
	p.CloseRouterByID("does-not-exist")
}

func TestNextWorkerSkipsDeadWorkers(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 3)
	require.NoError(t, err)

	p.reportFatal(p.workers[0], errors.New("boom"))
	p.reportFatal(p.workers[1], errors.New("boom"))

	for i := 0; i < 5; i++ {
		w, err := p.nextWorker()
		require.NoError(t, err)
		assert.Equal(t, 2, w.index)
	}
}

func TestNextWorkerFailsWhenAllDead(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 2)
	require.NoError(t, err)

	p.reportFatal(p.workers[0], errors.New("boom"))
	p.reportFatal(p.workers[1], errors.New("boom"))

	_, err = p.nextWorker()
	assert.Error(t, err)
}

func TestReportFatalDedupesPerWorker(t *testing.T) {
	p, err := NewPool(testLogger(t), Settings{}, 1)
	require.NoError(t, err)

	p.reportFatal(p.workers[0], errors.New("first"))
	p.reportFatal(p.workers[0], errors.New("second"))

	select {
	case fe := <-p.Fatal():
		assert.Contains(t, fe.Error(), "first")
	default:
		t.Fatal("expected a fatal error to be queued")
	}

	select {
	case fe := <-p.Fatal():
		t.Fatalf("unexpected second fatal delivery: %v", fe)
	default:
	}
}
