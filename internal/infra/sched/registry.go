package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job — одна периодическая задача планировщика.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Registry хранит периодические задачи и управляет их жизненным циклом.
// Никаких глобальных синглтонов: реестр собирается на старте процесса и
// останавливается явно.
type Registry struct {
	log     zerolog.Logger
	jobs    []Job
	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, lastRun: make(map[string]time.Time)}
}

// Register добавляет задачу. Вызывается до Start.
func (r *Registry) Register(job Job) {
	r.jobs = append(r.jobs, job)
}

// LastRun возвращает время последнего запуска задачи.
func (r *Registry) LastRun(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastRun[name]
	return t, ok
}

// Start запускает все задачи и блокируется до отмены контекста. Каждая задача
// выполняется в своей горутине; ошибка одной задачи логируется и не влияет
// на остальные.
func (r *Registry) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			r.runOnce(ctx, j)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.runOnce(ctx, j)
				}
			}
		}(job)
	}
	wg.Wait()
}

func (r *Registry) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		r.log.Error().Err(err).Str("job", j.Name).Msg("sched: задача завершилась с ошибкой")
	} else {
		r.log.Debug().Str("job", j.Name).Dur("took", time.Since(start)).Msg("sched: задача выполнена")
	}
	r.mu.Lock()
	r.lastRun[j.Name] = start
	r.mu.Unlock()
}
