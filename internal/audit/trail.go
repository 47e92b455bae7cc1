package audit

/*
Файл trail.go реализует аудиторский след оркестратора (Audit Trail).

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят из Hot Path контроллеров через
  неблокирующий канал, задержки БД не влияют на время перехода.
- Batching: накопление в памяти и пакетная запись в PostgreSQL по таймеру
  или при достижении лимита (100 записей).
- Drain Pattern: при остановке сервиса буфер вычитывается до конца,
  Final Flush гарантирует отсутствие потерь при перезагрузке.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

// Recorder — интерфейс для контроллеров: им не нужно знать про батчинг.
type Recorder interface {
	Record(entry Entry)
}

type Trail struct {
	ch            chan Entry
	repo          StorageInterface
	logger        *zap.Logger
	wg            sync.WaitGroup
	flushInterval time.Duration

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Record после Stop
	isClosed int32
}

func NewTrail(repo StorageInterface, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:            make(chan Entry, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit")),
		flushInterval: flushInterval,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Крошечная пауза, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit entry dropped: trail is stopping", zap.String("id", entry.ID))
		return
	}

	// Load Shedding: переполненный буфер не блокирует контроллеры,
	// но факт потери уходит в обычный лог
	select {
	case t.ch <- entry:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("entity_id", entry.EntityID),
			zap.String("kind", string(entry.Kind)),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Entry, 0, 100)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к этому моменту может быть закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки — финальный сброс и выход
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// NopRecorder — заглушка для тестов, где след не важен.
type NopRecorder struct{}

func (NopRecorder) Record(Entry) {}

// MemoryRecorder собирает записи в память (для ассертов в тестах).
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Record(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
