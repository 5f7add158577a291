package tailer

import (
	"sync"
)

type Metrics struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesForwarded      int
	LinesSuppressed     int
	LinesRejected       int
	mu                  sync.RWMutex
}

// MetricsStamp is a point-in-time copy of Metrics.
type MetricsStamp struct {
	FilesDiscovered     int
	FilesProcessed      int
	FilesFailed         int
	QueuedFiles         int
	FilesQueueCapacity  int
	WorkersActive       int
	WorkersBusy         int
	ScaleUpOperations   int
	ScaleDownOperations int
	LinesForwarded      int
	LinesSuppressed     int
	LinesRejected       int
}

func (s MetricsStamp) QueueUsage() float64 {
	if s.FilesQueueCapacity == 0 {
		return 0
	}
	return float64(s.QueuedFiles) / float64(s.FilesQueueCapacity)
}

func (m *Metrics) update(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Metrics) IncFilesDiscovered()     { m.update(func() { m.FilesDiscovered++ }) }
func (m *Metrics) IncFilesProcessed()      { m.update(func() { m.FilesProcessed++ }) }
func (m *Metrics) IncFilesFailed()         { m.update(func() { m.FilesFailed++ }) }
func (m *Metrics) IncQueuedFiles()         { m.update(func() { m.QueuedFiles++ }) }
func (m *Metrics) DecQueuedFiles()         { m.update(func() { m.QueuedFiles-- }) }
func (m *Metrics) IncWorkersActive()       { m.update(func() { m.WorkersActive++ }) }
func (m *Metrics) DecWorkersActive()       { m.update(func() { m.WorkersActive-- }) }
func (m *Metrics) IncWorkersBusy()         { m.update(func() { m.WorkersBusy++ }) }
func (m *Metrics) DecWorkersBusy()         { m.update(func() { m.WorkersBusy-- }) }
func (m *Metrics) IncScaleUpOperations()   { m.update(func() { m.ScaleUpOperations++ }) }
func (m *Metrics) IncScaleDownOperations() { m.update(func() { m.ScaleDownOperations++ }) }
func (m *Metrics) IncLinesForwarded()      { m.update(func() { m.LinesForwarded++ }) }
func (m *Metrics) IncLinesSuppressed()     { m.update(func() { m.LinesSuppressed++ }) }
func (m *Metrics) IncLinesRejected()       { m.update(func() { m.LinesRejected++ }) }

func (m *Metrics) GetMetricsStamp() MetricsStamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsStamp{
		FilesDiscovered:     m.FilesDiscovered,
		FilesProcessed:      m.FilesProcessed,
		FilesFailed:         m.FilesFailed,
		QueuedFiles:         m.QueuedFiles,
		FilesQueueCapacity:  m.FilesQueueCapacity,
		WorkersActive:       m.WorkersActive,
		WorkersBusy:         m.WorkersBusy,
		ScaleUpOperations:   m.ScaleUpOperations,
		ScaleDownOperations: m.ScaleDownOperations,
		LinesForwarded:      m.LinesForwarded,
		LinesSuppressed:     m.LinesSuppressed,
		LinesRejected:       m.LinesRejected,
	}
}

func (m *Metrics) GetQueueUsage() float64 {
	return m.GetMetricsStamp().QueueUsage()
}
