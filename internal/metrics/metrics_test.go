package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a simple in-memory Backend implementation for tests.
type fakeBackend struct {
	mu sync.Mutex

	callsCounters   []counterCall
	callsHistograms []histCall
	flushCount      int
}

type counterCall struct {
	name   string
	delta  float64
	labels Labels
}

type histCall struct {
	name   string
	value  float64
	labels Labels
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsCounters = append(f.callsCounters, counterCall{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callsHistograms = append(f.callsHistograms, histCall{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCount++
	return nil
}

func install(t *testing.T) *fakeBackend {
	t.Helper()
	orig := current()
	t.Cleanup(func() { SetBackend(orig) })
	fb := &fakeBackend{}
	SetBackend(fb)
	return fb
}

func TestRecordStep_SuccessAndFailure(t *testing.T) {
	fb := install(t)

	RecordStep("orders", "load", nil, 2*time.Second)
	RecordStep("orders", "merge", errors.New("boom"), 1500*time.Millisecond)

	require.Len(t, fb.callsCounters, 2)
	require.Len(t, fb.callsHistograms, 2)

	cc0 := fb.callsCounters[0]
	assert.Equal(t, StepTotal, cc0.name)
	assert.Equal(t, 1.0, cc0.delta)
	assert.Equal(t, Labels{"table": "orders", "step": "load", "status": "success"}, cc0.labels)

	h0 := fb.callsHistograms[0]
	assert.Equal(t, StepDurationSeconds, h0.name)
	assert.InDelta(t, 2.0, h0.value, 0.001)

	assert.Equal(t, "failure", fb.callsCounters[1].labels["status"])
	assert.Equal(t, "merge", fb.callsCounters[1].labels["step"])
	assert.InDelta(t, 1.5, fb.callsHistograms[1].value, 0.001)
}

func TestRecordRowAndBatches(t *testing.T) {
	fb := install(t)

	RecordRow("orders", "loaded", 3)
	RecordRow("orders", "loaded", 0) // ignored
	RecordRow("orders", "inserted", 5)
	RecordBatches("orders", 2)
	RecordBatches("orders", -1) // ignored

	require.Len(t, fb.callsCounters, 3)

	assert.Equal(t, counterCall{RowsTotal, 3, Labels{"table": "orders", "kind": "loaded"}}, fb.callsCounters[0])
	assert.Equal(t, counterCall{RowsTotal, 5, Labels{"table": "orders", "kind": "inserted"}}, fb.callsCounters[1])
	assert.Equal(t, counterCall{BatchesTotal, 2, Labels{"table": "orders"}}, fb.callsCounters[2])
}

func TestSetBackendAndFlush(t *testing.T) {
	fb := install(t)

	require.NoError(t, Flush())
	assert.Equal(t, 1, fb.flushCount)

	SetBackend(nil)
	assert.Same(t, fb, current())
}
