package audit

/*
Журнал попыток раскатки.

- Неблокирующая запись: Log кладет событие в буферизованный канал, горячий путь
  оркестратора не ждет БД. Переполнение буфера = событие теряется с записью в лог.
- Пакетная запись: воркер копит события и сбрасывает их по таймеру или по размеру пачки.
- Drain: Stop закрывает канал и ждет финального flush, при остановке ничего не теряется.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Writer определяет, куда физически сохраняется журнал
type Writer interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// BufferFill опционально: текущая заполненность буфера (backpressure)
	BufferFill prometheus.Gauge
}

type Journal struct {
	ch     chan Event
	repo   Writer
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	isClosed  int32
	closeOnce sync.Once
	mu        sync.RWMutex // Log держит RLock, Stop берет Lock перед close(ch)
}

func NewJournal(repo Writer, logger *zap.Logger, opts Options) *Journal {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Journal{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
		opts:   opts,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет
func (j *Journal) Stop() {
	j.closeOnce.Do(func() {
		j.logger.Info("stopping journal: closing channel and flushing buffer...")
		j.mu.Lock()
		atomic.StoreInt32(&j.isClosed, 1)
		close(j.ch)
		j.mu.Unlock()
		j.wg.Wait()
		j.logger.Info("journal stopped gracefully")
	})
}

func (j *Journal) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("journal event dropped: journal is stopping",
			zap.String("deployment_id", event.DeploymentID),
			zap.String("device_id", event.DeviceID))
		return
	}

	// Load shedding: при переполнении событие теряется, но остается след в логе
	select {
	case j.ch <- event:
		if j.opts.BufferFill != nil {
			j.opts.BufferFill.Set(float64(len(j.ch)))
		}
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("deployment_id", event.DeploymentID),
			zap.String("device_id", event.DeviceID),
			zap.String("to", string(event.To)),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже отменен
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if j.opts.BufferFill != nil {
			j.opts.BufferFill.Set(float64(len(j.ch)))
		}
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop: все, что было в очереди, уже вычитано
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
