// Package history persists freshly fetched observations off the request path.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-history-service/internal/models"
	"github.com/kjstillabower/weather-history-service/internal/observability"
)

// Sink stores weather observations.
type Sink interface {
	Name() string
	Write(ctx context.Context, data models.WeatherData) error
	Close() error
}

// ErrWriterClosed is returned by Close when called more than once.
var ErrWriterClosed = errors.New("history writer closed")

// Writer queues records in a bounded channel drained by a single worker. Record never blocks:
// when the queue is full the record is dropped and counted.
type Writer struct {
	sink         Sink
	queue        chan models.WeatherData
	writeTimeout time.Duration
	logger       *zap.Logger
	done         chan struct{}
	stop         chan struct{}
	// writeCtx parents every sink write; cancelWrites aborts an in-flight write on a timed-out Close.
	writeCtx     context.Context
	cancelWrites context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts a Writer over sink. queueSize and writeTimeout fall back to 256 and 5s.
func NewWriter(sink Sink, queueSize int, writeTimeout time.Duration, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writeCtx, cancelWrites := context.WithCancel(context.Background())
	w := &Writer{
		sink:         sink,
		queue:        make(chan models.WeatherData, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		writeCtx:     writeCtx,
		cancelWrites: cancelWrites,
	}
	go w.run()
	return w
}

// Record enqueues data for the sink.
func (w *Writer) Record(data models.WeatherData) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		observability.HistoryDroppedTotal.Inc()
		return
	}
	select {
	case w.queue <- data:
	default:
		observability.HistoryDroppedTotal.Inc()
		w.logger.Warn("history queue full, dropping record",
			zap.Float64("latitude", data.Coordinate.Latitude),
			zap.Float64("longitude", data.Coordinate.Longitude),
			zap.Int("points", len(data.Data)))
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for data := range w.queue {
		select {
		case <-w.stop:
			observability.HistoryDroppedTotal.Inc()
			continue
		default:
		}
		w.write(data)
	}
}

func (w *Writer) write(data models.WeatherData) {
	ctx, cancel := context.WithTimeout(w.writeCtx, w.writeTimeout)
	err := w.sink.Write(ctx, data)
	cancel()
	if err != nil {
		observability.HistoryWritesTotal.WithLabelValues(w.sink.Name(), "error").Inc()
		w.logger.Warn("history write failed", zap.String("sink", w.sink.Name()), zap.Error(err))
		return
	}
	observability.HistoryWritesTotal.WithLabelValues(w.sink.Name(), "success").Inc()
}

// Close stops accepting records and drains the queue until ctx is done. On timeout the
// in-flight write is canceled and the remaining records are dropped and counted. The sink
// is closed only after the worker has exited.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	var drainErr error
	select {
	case <-w.done:
	case <-ctx.Done():
		drainErr = ctx.Err()
		close(w.stop)
		w.cancelWrites()
		<-w.done
		w.logger.Warn("history queue not drained before shutdown deadline", zap.Error(drainErr))
	}
	w.cancelWrites()
	return errors.Join(drainErr, w.sink.Close())
}
