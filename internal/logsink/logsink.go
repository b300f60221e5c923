// Package logsink implements a non-blocking, batched persistence sink for
// request logs, sync logs and usage counters.
//
// Records are written to bounded internal channels and flushed to the store
// in batches by a background goroutine, so logging never blocks the proxy
// hot path. Request logs ride a larger buffer than auxiliary records: under
// sustained overload the sink sheds counter and sync records before it
// touches the request audit trail. Overflow drops are counted in Dropped.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/hermes/internal/store"
)

const (
	requestBuffer = 10_000
	auxBuffer     = 2_048
	batchSize     = 100
	flushInterval = time.Second

	latencyWindow = 200
)

// Persisted counter keys in metrics_counters.
const (
	CounterTotalRequests  = "totalRequests"
	CounterUpstreamErrors = "upstreamErrors"
)

// Usage is one request outcome folded into the usage counters.
type Usage struct {
	Model        string
	ProviderID   string
	ProviderName string
	Error        bool
}

// aux records share one channel so the drain loop stays a flat select.
type aux struct {
	sync  *store.SyncLog
	usage *Usage
}

// AnalyticsWriter receives request-log batches for long-term analytics
// storage. The ClickHouse writer implements it; nil disables dual-write.
type AnalyticsWriter interface {
	WriteRequestLogs(ctx context.Context, logs []store.RequestLog) error
}

type Sink struct {
	requests  chan store.RequestLog
	auxCh     chan aux
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	latMu      sync.Mutex
	latSamples []int64
	latNext    int

	baseCtx   context.Context
	store     *store.Store
	analytics AnalyticsWriter
	log       *slog.Logger
}

// New starts the sink's background writer. analytics may be nil.
func New(ctx context.Context, st *store.Store, analytics AnalyticsWriter, slogger *slog.Logger) (*Sink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logsink: context must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("logsink: store must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	s := &Sink{
		requests:  make(chan store.RequestLog, requestBuffer),
		auxCh:     make(chan aux, auxBuffer),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		store:     st,
		analytics: analytics,
		log:       slogger,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// LogRequest enqueues one request-log row and feeds the latency window. It
// never blocks: when the buffer is full the entry is dropped and counted.
func (s *Sink) LogRequest(rl store.RequestLog) {
	if rl.CreatedAt == 0 {
		rl.CreatedAt = time.Now().UnixMilli()
	}
	s.recordLatency(rl.DurationMs)
	select {
	case s.requests <- rl:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// LogSync enqueues one sync-log row.
func (s *Sink) LogSync(sl store.SyncLog) {
	if sl.CreatedAt == 0 {
		sl.CreatedAt = time.Now().UnixMilli()
	}
	select {
	case s.auxCh <- aux{sync: &sl}:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// TrackUsage enqueues one counter delta.
func (s *Sink) TrackUsage(u Usage) {
	select {
	case s.auxCh <- aux{usage: &u}:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// LatencyPercentiles reports P50/P90/P99 over the sliding window of recent
// request durations, in milliseconds. All zero until the first sample.
func (s *Sink) LatencyPercentiles() (p50, p90, p99 int64) {
	s.latMu.Lock()
	samples := make([]int64, len(s.latSamples))
	copy(samples, s.latSamples)
	s.latMu.Unlock()

	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	n := len(samples)
	return samples[n*50/100], samples[n*90/100], samples[n*99/100]
}

// Close drains both queues and stops the writer.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *Sink) recordLatency(ms int64) {
	s.latMu.Lock()
	if len(s.latSamples) < latencyWindow {
		s.latSamples = append(s.latSamples, ms)
	} else {
		s.latSamples[s.latNext] = ms
		s.latNext = (s.latNext + 1) % latencyWindow
	}
	s.latMu.Unlock()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	reqBatch := make([]store.RequestLog, 0, batchSize)
	syncBatch := make([]store.SyncLog, 0, batchSize)
	usageBatch := make([]Usage, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(reqBatch) > 0 {
			if err := s.store.InsertRequestLogs(ctx, reqBatch); err != nil {
				s.log.ErrorContext(ctx, "request log batch write failed",
					slog.Any("error", err),
					slog.Int("batch", len(reqBatch)),
				)
			} else if s.analytics != nil {
				if err := s.analytics.WriteRequestLogs(ctx, reqBatch); err != nil {
					s.log.WarnContext(ctx, "analytics write failed",
						slog.Any("error", err),
						slog.Int("batch", len(reqBatch)),
					)
				}
			}
			reqBatch = reqBatch[:0]
		}
		if len(syncBatch) > 0 {
			if err := s.store.InsertSyncLogs(ctx, syncBatch); err != nil {
				s.log.ErrorContext(ctx, "sync log batch write failed",
					slog.Any("error", err),
					slog.Int("batch", len(syncBatch)),
				)
			}
			syncBatch = syncBatch[:0]
		}
		if len(usageBatch) > 0 {
			if err := s.store.ApplyCounterBatch(ctx, foldUsage(usageBatch)); err != nil {
				s.log.ErrorContext(ctx, "counter batch write failed",
					slog.Any("error", err),
					slog.Int("batch", len(usageBatch)),
				)
			}
			usageBatch = usageBatch[:0]
		}
	}

	for {
		select {
		case e := <-s.requests:
			reqBatch = append(reqBatch, e)
			if len(reqBatch) >= batchSize {
				flush(s.baseCtx)
			}

		case a := <-s.auxCh:
			switch {
			case a.sync != nil:
				syncBatch = append(syncBatch, *a.sync)
			case a.usage != nil:
				usageBatch = append(usageBatch, *a.usage)
			}
			if len(syncBatch)+len(usageBatch) >= batchSize {
				flush(s.baseCtx)
			}

		case <-ticker.C:
			flush(s.baseCtx)

		case <-s.done:
			// The base context is typically canceled by the same shutdown
			// that closes the sink; detach so the final batches still land.
			ctx := context.WithoutCancel(s.baseCtx)
			for {
				select {
				case e := <-s.requests:
					reqBatch = append(reqBatch, e)
					if len(reqBatch) >= batchSize {
						flush(ctx)
					}
				case a := <-s.auxCh:
					switch {
					case a.sync != nil:
						syncBatch = append(syncBatch, *a.sync)
					case a.usage != nil:
						usageBatch = append(usageBatch, *a.usage)
					}
					if len(syncBatch)+len(usageBatch) >= batchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

func foldUsage(events []Usage) store.CounterBatch {
	b := store.CounterBatch{
		Counters:  make(map[string]int64),
		Models:    make(map[string]int64),
		Providers: make(map[string]store.ProviderDelta),
	}
	for _, u := range events {
		b.Counters[CounterTotalRequests]++
		if u.Error {
			b.Counters[CounterUpstreamErrors]++
		}
		if u.Model != "" {
			b.Models[u.Model]++
		}
		if u.ProviderID != "" {
			d := b.Providers[u.ProviderID]
			d.Name = u.ProviderName
			d.Count++
			if u.Error {
				d.Errors++
			}
			b.Providers[u.ProviderID] = d
		}
	}
	return b
}
