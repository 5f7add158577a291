// Package tailer follows container log files on the node and forwards every
// new line as an event.
package tailer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

type Config struct {
	LogRootPath        string        `env:"LOG_PATH" envDefault:"/var/log/pods"`
	ScanInterval       time.Duration `env:"SCAN_INTERVAL" envDefault:"30s"`
	MinWorkers         int           `env:"MIN_WORKERS" envDefault:"2"`
	MaxWorkers         int           `env:"MAX_WORKERS" envDefault:"10"`
	FileQueueSize      int           `env:"QUEUE_SIZE" envDefault:"50"`
	NodeName           string        `env:"NODE_NAME" envDefault:"unknown"`
	ScaleUpThreshold   float64       `env:"SCALE_UP_THRESHOLD" envDefault:"0.9"`
	ScaleDownThreshold float64       `env:"SCALE_DOWN_THRESHOLD" envDefault:"0.3"`
	ScaleCheckInterval time.Duration `env:"SCALE_CHECK_INTERVAL" envDefault:"15s"`
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration `env:"FILE_IDLE_TIMEOUT" envDefault:"5m"`
	MetricsInterval time.Duration `env:"TAILER_METRICS_INTERVAL" envDefault:"30s"`
}

type Service struct {
	config    Config
	sender    logging.EventSender
	log       *slog.Logger
	fileQueue chan string
	workers   []*worker
	workersWg sync.WaitGroup
	loopsWg   sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	metrics   *Metrics

	scaleMutex     sync.Mutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMu sync.Mutex
	seen    map[string]struct{}
	active  map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the service; Start spawns MinWorkers workers plus the scanner,
// scaler and metrics loops.
func New(ctx context.Context, config Config, sender logging.EventSender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinWorkers < 1 {
		config.MinWorkers = 1
	}
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}

	nCtx, cancel := context.WithCancel(ctx)

	return &Service{
		config:    config,
		sender:    sender,
		// the agent tails its own pod, so its own lines must stay recognisable
		log:       logger.With(logging.Marker(), "component", "tailer"),
		fileQueue: make(chan string, config.FileQueueSize),
		workers:   make([]*worker, config.MaxWorkers),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &Metrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		minWorkers:     config.MinWorkers,
		maxWorkers:     config.MaxWorkers,
		currentWorkers: config.MinWorkers,
		seen:           make(map[string]struct{}),
		active:         make(map[string]struct{}),
	}
}

func (s *Service) Metrics() *Metrics { return s.metrics }

func (s *Service) Start() {
	s.log.Info("Starting tailer",
		"root", s.config.LogRootPath,
		"min_workers", s.minWorkers,
		"max_workers", s.maxWorkers,
		"queue_size", s.config.FileQueueSize)

	s.scaleMutex.Lock()
	for i := 0; i < s.minWorkers; i++ {
		s.startWorker(i)
	}
	s.scaleMutex.Unlock()

	s.runLoop(s.config.ScanInterval, s.scanFiles)
	s.runLoop(s.config.ScaleCheckInterval, s.adjustWorkers)
	s.runLoop(s.config.MetricsInterval, s.reportMetrics)
}

// Stop cancels all loops and workers and waits for them.
func (s *Service) Stop() {
	s.log.Info("Stopping tailer")
	s.cancel()

	s.loopsWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.log.Info("Tailer stopped")
}

func (s *Service) runLoop(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}

	s.loopsWg.Add(1)
	go func() {
		defer s.loopsWg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// startWorker must be called with scaleMutex held.
func (s *Service) startWorker(id int) {
	if id >= len(s.workers) || s.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		id:     id,
		ctx:    workerCtx,
		cancel: cancel,
	}
	s.workers[id] = w

	s.workersWg.Add(1)
	go s.worker(w)

	s.metrics.IncWorkersActive()
	s.log.Debug("Worker started", "worker", id)
}

// stopWorker must be called with scaleMutex held.
func (s *Service) stopWorker(id int) {
	if id >= len(s.workers) || s.workers[id] == nil {
		return
	}

	s.workers[id].cancel()
	s.workers[id] = nil

	s.metrics.DecWorkersActive()
	s.log.Debug("Worker stopped", "worker", id)
}

func (s *Service) worker(w *worker) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Worker panicked", "worker", w.id, "panic", r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecQueuedFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(w.ctx, filePath)
			s.metrics.DecWorkersBusy()

		case <-w.ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.release(filePath)
	defer s.metrics.IncFilesProcessed()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("File processing panicked", "file", filePath, "panic", r)
			s.metrics.IncFilesFailed()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.log.Error("Failed to tail file", "file", filePath, "error", err)
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	labels := s.extractLabels(filePath)
	session := strconv.FormatInt(time.Now().UnixNano(), 36)
	lineNo := 0
	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.log.Warn("Error reading file", "file", filePath, "error", line.Err)
				continue
			}

			lineNo++
			lastActivity = time.Now()
			s.forward(filePath, session, lineNo, line, labels)

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.log.Debug("File idle, releasing", "file", filePath)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) forward(filePath, session string, lineNo int, line *tail.Line, labels map[string]string) {
	if logging.ContainsMarker(line.Text) {
		s.metrics.IncLinesSuppressed()
		return
	}

	ts := line.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	event := logging.Event{
		Key:       logging.NewKey(filePath, session, strconv.Itoa(lineNo), line.Text),
		Timestamp: ts,
		Message:   line.Text,
		Labels:    labels,
	}
	if err := s.sender.Send(event); err != nil {
		s.metrics.IncLinesRejected()
		s.log.Debug("Line rejected", "file", filePath, "error", err)
		return
	}
	s.metrics.IncLinesForwarded()
}

// scanFiles queues every discovered log file that is not already being
// tailed.
func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.log.Error("Error discovering log files", "root", s.config.LogRootPath, "error", err)
		return
	}

	for _, file := range files {
		if !s.claim(file) {
			continue
		}

		select {
		case s.fileQueue <- file:
			s.metrics.IncQueuedFiles()
		case <-s.ctx.Done():
			s.release(file)
			return
		default:
			s.release(file)
			s.log.Warn("File queue full, skipping",
				"file", file, "queued", len(s.fileQueue), "capacity", cap(s.fileQueue))
		}
	}
}

func (s *Service) claim(file string) bool {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	if _, ok := s.seen[file]; !ok {
		s.seen[file] = struct{}{}
		s.metrics.IncFilesDiscovered()
	}
	if _, ok := s.active[file]; ok {
		return false
	}
	s.active[file] = struct{}{}
	return true
}

func (s *Service) release(file string) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	delete(s.active, file)
}

func (s *Service) adjustWorkers() {
	stamp := s.metrics.GetMetricsStamp()

	s.scaleMutex.Lock()
	defer s.scaleMutex.Unlock()

	if s.minWorkers == s.maxWorkers {
		return
	}

	queueUsage := stamp.QueueUsage()
	workerUtilization := 0.0
	if s.currentWorkers > 0 {
		workerUtilization = float64(stamp.WorkersBusy) / float64(s.currentWorkers)
	}

	switch {
	case queueUsage > s.config.ScaleUpThreshold &&
		workerUtilization > s.config.ScaleUpThreshold &&
		s.currentWorkers < s.maxWorkers:
		s.startWorker(s.currentWorkers)
		s.currentWorkers++
		s.metrics.IncScaleUpOperations()
		s.log.Info("Scaled up", "workers", s.currentWorkers, "queue_usage", queueUsage)

	case queueUsage < s.config.ScaleDownThreshold &&
		workerUtilization < s.config.ScaleDownThreshold &&
		s.currentWorkers > s.minWorkers:
		s.currentWorkers--
		s.stopWorker(s.currentWorkers)
		s.metrics.IncScaleDownOperations()
		s.log.Info("Scaled down", "workers", s.currentWorkers, "queue_usage", queueUsage)
	}
}

func (s *Service) reportMetrics() {
	m := s.metrics.GetMetricsStamp()
	s.log.Info("Tailer metrics",
		"workers_active", m.WorkersActive,
		"workers_max", s.maxWorkers,
		"workers_busy", m.WorkersBusy,
		"queued_files", m.QueuedFiles,
		"queue_capacity", m.FilesQueueCapacity,
		"files_processed", m.FilesProcessed,
		"files_discovered", m.FilesDiscovered,
		"files_failed", m.FilesFailed,
		"lines_forwarded", m.LinesForwarded,
		"lines_suppressed", m.LinesSuppressed,
		"lines_rejected", m.LinesRejected,
		"scale_up", m.ScaleUpOperations,
		"scale_down", m.ScaleDownOperations,
	)
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.WalkDir(s.config.LogRootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.log.Debug("Error accessing path", "path", path, "error", err)
			return nil
		}

		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads Kubernetes metadata from the pod log layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *Service) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}
