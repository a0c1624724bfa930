package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

type readResult struct {
	status contracts.StatusMessage
	err    error
}

// scriptedReader returns its script in order and then keeps repeating the
// last entry, the way a retained topic keeps returning its newest value
type scriptedReader struct {
	mu     sync.Mutex
	script []readResult
	reads  int
}

func (r *scriptedReader) Name() string { return "HTTPBridge/reply/test" }

func (r *scriptedReader) Latest(ctx context.Context, _ time.Duration) (contracts.StatusMessage, error) {
	if err := ctx.Err(); err != nil {
		return contracts.StatusMessage{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.reads
	if i >= len(r.script) {
		i = len(r.script) - 1
	}
	r.reads++
	return r.script[i].status, r.script[i].err
}

func fastCorrelator(observer Observer) *Correlator {
	return NewCorrelator(
		WithPollPolicy(reliability.NewFixedDelay(2*time.Millisecond, -1)),
		WithCorrelatorObserver(observer))
}

func sequenced(cmd contracts.Command, seq uint64) contracts.Command {
	cmd.SetSequence(seq)
	return cmd
}

func TestCorrelatorReturnsMatchingStatus(t *testing.T) {
	ref := contracts.TopicRef{Name: "HTTPBridge/reply/test", PersistenceMs: 3000}
	setup := sequenced(contracts.NewSetupCommand("http://example.com", ref), 1)
	data := sequenced(contracts.NewDataCommand("c1", "GET", ref, contracts.TopicRef{Name: "out"}), 2)

	setupStatus := contracts.NewStatus(setup, contracts.StatusOK)
	setupStatus.ConnectionID = "c1"
	reader := &scriptedReader{script: []readResult{
		{err: channel.ErrTimeout},
		{status: setupStatus},
		{status: contracts.NewStatus(data, contracts.StatusOK)},
	}}

	observer := newRecordingObserver()
	s, err := fastCorrelator(observer).Await(context.Background(), reader, data, time.Second)
	require.NoError(t, err)
	assert.True(t, s.Answers(data))
	assert.Equal(t, 3, reader.reads)
	assert.Equal(t, 0, observer.mismatches)
}

func TestCorrelatorStaleStatusTimesOut(t *testing.T) {
	ref := contracts.TopicRef{Name: "HTTPBridge/reply/test", PersistenceMs: 3000}
	first := sequenced(contracts.NewDataCommand("c1", "GET", ref, contracts.TopicRef{Name: "out"}), 4)
	second := sequenced(contracts.NewDataCommand("c1", "GET", ref, contracts.TopicRef{Name: "out"}), 7)

	reader := &scriptedReader{script: []readResult{{status: contracts.NewStatus(first, contracts.StatusOK)}}}
	observer := newRecordingObserver()

	_, err := fastCorrelator(observer).Await(context.Background(), reader, second, 50*time.Millisecond)
	require.Error(t, err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, contracts.KindData, te.Command)
	assert.Greater(t, te.Attempts, 1)
	assert.NotErrorIs(t, err, ErrMismatch)
	assert.Equal(t, 0, observer.mismatches)
}

func TestCorrelatorCrossTalkIsMismatch(t *testing.T) {
	ref := contracts.TopicRef{Name: "HTTPBridge/reply/test", PersistenceMs: 3000}
	ours := sequenced(contracts.NewDataCommand("c1", "GET", ref, contracts.TopicRef{Name: "out"}), 3)
	theirs := sequenced(contracts.NewDataCommand("c9", "GET", ref, contracts.TopicRef{Name: "out"}), 5)

	reader := &scriptedReader{script: []readResult{{status: contracts.NewStatus(theirs, contracts.StatusOK)}}}
	observer := newRecordingObserver()

	_, err := fastCorrelator(observer).Await(context.Background(), reader, ours, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMismatch)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))

	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, uint64(3), me.ExpectedSequence)
	assert.Equal(t, uint64(5), me.GotSequence)
	assert.Equal(t, theirs.GetID(), me.GotCorrelationID)
	assert.Positive(t, observer.mismatches)
}

func TestCorrelatorTransportErrorIsReturned(t *testing.T) {
	ref := contracts.TopicRef{Name: "HTTPBridge/reply/test", PersistenceMs: 3000}
	cmd := sequenced(contracts.NewTeardownCommand("c1", ref), 1)
	broken := &channel.TransportError{Op: "latest", Topic: ref.Name, Err: errors.New("connection reset")}

	reader := &scriptedReader{script: []readResult{{err: broken}}}
	_, err := fastCorrelator(NoopObserver).Await(context.Background(), reader, cmd, time.Second)

	var te *channel.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, reader.reads)
	assert.False(t, IsTimeout(err))
}

func TestCorrelatorSkipsMalformedValues(t *testing.T) {
	ref := contracts.TopicRef{Name: "HTTPBridge/reply/test", PersistenceMs: 3000}
	cmd := sequenced(contracts.NewTeardownCommand("c1", ref), 2)

	reader := &scriptedReader{script: []readResult{
		{err: channel.ErrMalformed},
		{status: contracts.NewStatus(cmd, contracts.StatusErrorSyntax)},
	}}
	s, err := fastCorrelator(NoopObserver).Await(context.Background(), reader, cmd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusErrorSyntax, s.Status)
}

func TestCorrelatorHonorsCancellation(t *testing.T) {
	ref := contracts.TopicRef{Name: "HTTPBridge/reply/test", PersistenceMs: 3000}
	cmd := sequenced(contracts.NewTeardownCommand("c1", ref), 2)
	reader := &scriptedReader{script: []readResult{{err: channel.ErrTimeout}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fastCorrelator(NoopObserver).Await(ctx, reader, cmd, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
