package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of events and samples.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch *domain.EventBatch) error
}

// BatcherConfig contains batcher configuration
type BatcherConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriterCount   int
	WriteTimeout  time.Duration
}

// Batcher is an event sink that accumulates comm events and sample data
// into batches for the database writer. Logging never blocks a comm worker:
// records arriving while the buffer is full are dropped and counted.
type Batcher struct {
	config  BatcherConfig
	writer  BatchWriter
	logger  zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	// Channel for incoming records
	records chan domain.Record

	// Channel for completed batches
	batchChan chan *domain.EventBatch

	// Current batch being accumulated
	currentBatch *domain.EventBatch
	batchMu      sync.Mutex

	// Stats
	batchesFlushed atomic.Uint64
	recordsBatched atomic.Uint64
	recordsDropped atomic.Uint64

	// Lifecycle
	stateMu  sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBatcher creates a new batcher
func NewBatcher(
	config BatcherConfig,
	writer BatchWriter,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.BufferSize < config.BatchSize {
		config.BufferSize = config.BatchSize * 2
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.WriterCount <= 0 {
		config.WriterCount = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Batcher{
		config:       config,
		writer:       writer,
		logger:       logger.With().Str("component", "batcher").Logger(),
		metrics:      metricsReg,
		now:          time.Now,
		records:      make(chan domain.Record, config.BufferSize),
		batchChan:    make(chan *domain.EventBatch, config.WriterCount*2),
		currentBatch: domain.NewEventBatch(config.BatchSize),
	}
}

// Start begins the batching and writing goroutines
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.accumulatorLoop()

	for i := 0; i < b.config.WriterCount; i++ {
		b.wg.Add(1)
		go b.writerLoop(i)
	}

	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Int("writers", b.config.WriterCount).
		Msg("Batcher started")
}

// Stop flushes the remaining records and waits for the writers, or for ctx.
func (b *Batcher) Stop(ctx context.Context) error {
	var stopErr error

	b.stopOnce.Do(func() {
		b.logger.Info().Msg("Stopping batcher...")

		b.stateMu.Lock()
		b.stopped = true
		close(b.records)
		b.stateMu.Unlock()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			b.logger.Info().Msg("Batcher stopped")
		case <-ctx.Done():
			b.logger.Warn().Msg("Batcher stop timeout")
			stopErr = ctx.Err()
		}
	})

	return stopErr
}

// LogCommEvent queues a comm event for the comm_event table.
func (b *Batcher) LogCommEvent(et domain.EventType, linkID string, drop int, controllerID string) {
	b.add(domain.Record{Event: &domain.CommEvent{
		Time:         b.now(),
		Type:         et,
		LinkID:       linkID,
		Drop:         drop,
		ControllerID: controllerID,
	}})
}

// LogSampleData queues a sample set for the sample_data table.
func (b *Batcher) LogSampleData(controllerID string, s domain.SampleSet) {
	b.add(domain.Record{Sample: &domain.SampleRecord{ControllerID: controllerID, SampleSet: s}})
}

func (b *Batcher) add(r domain.Record) {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.stopped {
		b.drop()
		return
	}
	select {
	case b.records <- r:
	default:
		b.drop()
	}
}

func (b *Batcher) drop() {
	if b.recordsDropped.Add(1)%1000 == 1 {
		b.logger.Warn().Uint64("dropped", b.recordsDropped.Load()).Msg("Event buffer full, dropping records")
	}
	b.metrics.IncEventsDropped()
}

// accumulatorLoop accumulates records into batches
func (b *Batcher) accumulatorLoop() {
	defer b.wg.Done()
	defer b.flushAndClose()

	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-b.records:
			if !ok {
				return
			}
			b.addToBatch(r)

		case <-ticker.C:
			b.flushIfNotEmpty()
		}
	}
}

// addToBatch adds a record to the current batch, flushing if full
func (b *Batcher) addToBatch(r domain.Record) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	b.currentBatch.Add(r)
	b.recordsBatched.Add(1)

	if b.currentBatch.Size() >= b.config.BatchSize {
		b.flush()
	}
}

// flushIfNotEmpty flushes the current batch if it has any records
func (b *Batcher) flushIfNotEmpty() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.currentBatch.Size() > 0 {
		b.flush()
	}
}

// flush hands the current batch to the writers and starts a new one.
// Must be called with batchMu held
func (b *Batcher) flush() {
	batch := b.currentBatch
	b.currentBatch = domain.NewEventBatch(b.config.BatchSize)
	b.batchesFlushed.Add(1)
	b.batchChan <- batch
}

// flushAndClose flushes any remaining data and closes the batch channel
func (b *Batcher) flushAndClose() {
	b.batchMu.Lock()
	if b.currentBatch.Size() > 0 {
		b.flush()
	}
	b.batchMu.Unlock()

	close(b.batchChan)
}

// writerLoop processes batches and writes to the database
func (b *Batcher) writerLoop(id int) {
	defer b.wg.Done()

	logger := b.logger.With().Int("writer_id", id).Logger()
	logger.Debug().Msg("Writer started")

	for batch := range b.batchChan {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
		if err := b.writer.WriteBatch(ctx, batch); err != nil {
			logger.Error().
				Err(err).
				Int("batch_size", batch.Size()).
				Msg("Failed to write batch")
		}
		cancel()
	}

	logger.Debug().Msg("Writer stopped")
}

// Stats returns batcher statistics
func (b *Batcher) Stats() map[string]interface{} {
	b.batchMu.Lock()
	currentBatchSize := b.currentBatch.Size()
	currentBatchAge := b.currentBatch.Age().Milliseconds()
	b.batchMu.Unlock()

	return map[string]interface{}{
		"batches_flushed":    b.batchesFlushed.Load(),
		"records_batched":    b.recordsBatched.Load(),
		"records_dropped":    b.recordsDropped.Load(),
		"current_batch_size": currentBatchSize,
		"current_batch_age":  currentBatchAge,
		"buffered":           len(b.records),
		"pending_batches":    len(b.batchChan),
	}
}
