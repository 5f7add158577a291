package tailer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_BasicOperations(t *testing.T) {
	metrics := &Metrics{}

	metrics.IncFilesDiscovered()
	metrics.IncFilesProcessed()
	metrics.IncFilesFailed()
	metrics.IncWorkersActive()
	metrics.IncWorkersBusy()
	metrics.IncScaleUpOperations()
	metrics.IncScaleDownOperations()
	metrics.IncLinesForwarded()
	metrics.IncLinesSuppressed()
	metrics.IncLinesRejected()

	result := metrics.GetMetricsStamp()

	assert.Equal(t, 1, result.ScaleUpOperations)
	assert.Equal(t, 1, result.ScaleDownOperations)
	assert.Equal(t, 1, result.FilesDiscovered)
	assert.Equal(t, 1, result.FilesProcessed)
	assert.Equal(t, 1, result.FilesFailed)
	assert.Equal(t, 1, result.WorkersActive)
	assert.Equal(t, 1, result.WorkersBusy)
	assert.Equal(t, 1, result.LinesForwarded)
	assert.Equal(t, 1, result.LinesSuppressed)
	assert.Equal(t, 1, result.LinesRejected)
}

func TestMetrics_QueueUsage(t *testing.T) {
	metrics := &Metrics{FilesQueueCapacity: 10}
	assert.Equal(t, 0.0, metrics.GetQueueUsage())

	for range 5 {
		metrics.IncQueuedFiles()
	}
	assert.InDelta(t, 0.5, metrics.GetQueueUsage(), 1e-9)

	assert.Equal(t, 0.0, MetricsStamp{QueuedFiles: 3}.QueueUsage())
}

func TestMetrics_DecrementOperations(t *testing.T) {
	metrics := &Metrics{}

	metrics.IncWorkersActive()
	metrics.IncWorkersBusy()
	metrics.IncQueuedFiles()

	metrics.DecWorkersActive()
	metrics.DecWorkersBusy()
	metrics.DecQueuedFiles()

	result := metrics.GetMetricsStamp()
	assert.Equal(t, 0, result.WorkersBusy)
	assert.Equal(t, 0, result.WorkersActive)
	assert.Equal(t, 0, result.QueuedFiles)
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	metrics := &Metrics{FilesQueueCapacity: 1000}

	var wg sync.WaitGroup
	inc := func(fn func()) {
		defer wg.Done()
		for range 1000 {
			fn()
		}
	}

	wg.Add(5)
	go inc(metrics.IncFilesDiscovered)
	go inc(metrics.IncQueuedFiles)
	go inc(metrics.IncLinesForwarded)
	go inc(metrics.IncLinesSuppressed)
	go inc(metrics.IncWorkersBusy)
	wg.Wait()

	result := metrics.GetMetricsStamp()
	assert.Equal(t, 1000, result.FilesDiscovered)
	assert.Equal(t, 1000, result.QueuedFiles)
	assert.Equal(t, 1000, result.LinesForwarded)
	assert.Equal(t, 1000, result.LinesSuppressed)
	assert.Equal(t, 1000, result.WorkersBusy)
	assert.InDelta(t, 1.0, metrics.GetQueueUsage(), 1e-9)
}
