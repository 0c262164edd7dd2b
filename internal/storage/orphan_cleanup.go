package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OrphanCleanupConfig holds configuration for the orphan cleanup job
type OrphanCleanupConfig struct {
	Interval     time.Duration // Interval between cleanup runs (default: 24 hours)
	AgeThreshold time.Duration // Objects younger than this are never removed (default: 24 hours)
	BatchSize    int
	Enabled      bool
}

// DefaultOrphanCleanupConfig returns default configuration
func DefaultOrphanCleanupConfig() OrphanCleanupConfig {
	return OrphanCleanupConfig{
		Interval:     24 * time.Hour,
		AgeThreshold: 24 * time.Hour,
		BatchSize:    500,
		Enabled:      true,
	}
}

// ObjectStore is the subset of StorageService the cleanup job needs
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]Object, error)
	DeleteByKeys(ctx context.Context, keys []string) (int, error)
}

// KeyChecker reports which profile image keys are still referenced by an account
type KeyChecker interface {
	ExistingProfileImageKeys(ctx context.Context, keys []string) (map[string]bool, error)
}

// CleanupResult holds the result of a cleanup run
type CleanupResult struct {
	StartTime      time.Time
	EndTime        time.Time
	FilesScanned   int
	OrphansFound   int
	OrphansDeleted int
	BytesFreed     int64
	Errors         []string
}

// OrphanCleanupJob periodically removes profile images no account references.
// They are left behind when an avatar is replaced or an account deleted and
// the immediate delete failed.
type OrphanCleanupJob struct {
	store      ObjectStore
	keyChecker KeyChecker
	config     OrphanCleanupConfig
	logger     *slog.Logger
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastResult *CleanupResult
	now        func() time.Time
}

// NewOrphanCleanupJob creates a new orphan cleanup job
func NewOrphanCleanupJob(store ObjectStore, keyChecker KeyChecker, config OrphanCleanupConfig, logger *slog.Logger) *OrphanCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	return &OrphanCleanupJob{
		store:      store,
		keyChecker: keyChecker,
		config:     config,
		logger:     logger,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Start begins the periodic cleanup job
func (j *OrphanCleanupJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("cleanup job is already running")
	}

	if !j.config.Enabled {
		j.logger.Info("profile image cleanup disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(1)

	go j.run()

	j.logger.Info("profile image cleanup started",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("age_threshold", j.config.AgeThreshold),
	)
	return nil
}

// Stop stops the periodic cleanup job
func (j *OrphanCleanupJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("profile image cleanup stopped")
}

// IsRunning returns whether the cleanup job is running
func (j *OrphanCleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// GetLastResult returns the result of the last cleanup run
func (j *OrphanCleanupJob) GetLastResult() *CleanupResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *OrphanCleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			result := j.RunNow(ctx)
			cancel()
			j.logger.Info("profile image cleanup completed",
				slog.Int("scanned", result.FilesScanned),
				slog.Int("orphans", result.OrphansFound),
				slog.Int("deleted", result.OrphansDeleted),
				slog.Int64("bytes_freed", result.BytesFreed),
				slog.Int("errors", len(result.Errors)),
			)
		case <-j.stopChan:
			return
		}
	}
}

// RunNow performs one cleanup run
func (j *OrphanCleanupJob) RunNow(ctx context.Context) *CleanupResult {
	result := &CleanupResult{StartTime: j.now()}

	orphans, scanned, err := j.findOrphans(ctx)
	result.FilesScanned = scanned
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("error finding orphans: %v", err))
	}
	result.OrphansFound = len(orphans)

	for i := 0; i < len(orphans); i += j.config.BatchSize {
		end := i + j.config.BatchSize
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := orphans[i:end]

		keys := make([]string, len(batch))
		var size int64
		for idx, o := range batch {
			keys[idx] = o.Key
			size += o.Size
		}

		deleted, err := j.store.DeleteByKeys(ctx, keys)
		result.OrphansDeleted += deleted
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to delete batch at index %d: %v", i, err))
			continue
		}
		if deleted == len(batch) {
			result.BytesFreed += size
		}
	}

	result.EndTime = j.now()

	j.mu.Lock()
	j.lastResult = result
	j.mu.Unlock()

	return result
}

func (j *OrphanCleanupJob) findOrphans(ctx context.Context) ([]Object, int, error) {
	objects, err := j.store.ListObjects(ctx, ProfileImagePrefix)
	if err != nil {
		return nil, len(objects), err
	}

	cutoff := j.now().Add(-j.config.AgeThreshold)
	var candidates []Object
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		candidates = append(candidates, obj)
	}

	var orphans []Object
	for i := 0; i < len(candidates); i += j.config.BatchSize {
		end := i + j.config.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[i:end]

		keys := make([]string, len(batch))
		for idx, o := range batch {
			keys[idx] = o.Key
		}

		existing, err := j.keyChecker.ExistingProfileImageKeys(ctx, keys)
		if err != nil {
			return orphans, len(objects), fmt.Errorf("failed to check database: %w", err)
		}
		for _, o := range batch {
			if !existing[o.Key] {
				orphans = append(orphans, o)
			}
		}
	}

	return orphans, len(objects), nil
}
