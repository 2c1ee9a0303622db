package audit

/*
Файл agentfs.go реализует журнал решений гвардов.

- Non-blocking Logging: гварды не ждут хранилище, событие кладется в буферизированный канал,
  при переполнении событие уходит в zap (Load Shedding) и запрос не тормозится.
- Batching: пакетная запись по таймеру или при накоплении 100 событий.
- Drain Pattern: Stop закрывает канал и ждет финальный flush, события при остановке не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const batchSize = 100

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []DecisionEvent) error
}

type Auditor interface {
	Log(event DecisionEvent)
}

type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	// OnFill вызывается после каждого Log с текущей заполненностью буфера (метрика backpressure).
	OnFill func(n int)
}

type AgentFS struct {
	ch       chan DecisionEvent
	repo     StorageInterface
	logger   *zap.Logger
	interval time.Duration
	onFill   func(n int)
	wg       sync.WaitGroup
	isClosed int32 // 0 - открыт, 1 - закрыт
	stopOnce sync.Once
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts Options) *AgentFS {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:       make(chan DecisionEvent, opts.BufferSize),
		repo:     repo,
		logger:   logger.With(zap.String("mod", "agentfs")),
		interval: opts.FlushInterval,
		onFill:   opts.OnFill,
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет. Повторный вызов безопасен.
func (fs *AgentFS) Stop() {
	fs.stopOnce.Do(func() {
		atomic.StoreInt32(&fs.isClosed, 1)

		// Даем крошечную паузу, чтобы текущие Log успели проскочить
		time.Sleep(10 * time.Millisecond)

		fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
		close(fs.ch)
		fs.wg.Wait()
		fs.logger.Info("auditor stopped gracefully")
	})
}

func (fs *AgentFS) Log(event DecisionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("guard", event.Guard),
			zap.String("reason", event.Reason),
			zap.String("trace_id", event.TraceID),
		)
	}
	if fs.onFill != nil {
		fs.onFill(len(fs.ch))
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]DecisionEvent, 0, batchSize)
	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст может быть уже закрыт
			if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
				fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// канал закрыт в Stop(): остатки уже вычитаны, делаем финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// LogStorage пишет события в zap, когда база аудита не настроена.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []DecisionEvent) error {
	for _, e := range events {
		s.logger.Info("guard decision",
			zap.String("id", e.ID),
			zap.String("trace_id", e.TraceID),
			zap.String("guard", e.Guard),
			zap.Bool("allow", e.Allow),
			zap.String("reason", e.Reason),
			zap.String("peer", e.Peer),
			zap.String("user_id", e.UserID),
			zap.String("method", e.Method),
			zap.String("path", e.Path),
			zap.Bool("upgrade", e.Upgrade),
			zap.Time("timestamp", e.Timestamp),
		)
	}
	return nil
}
