package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// PeriodicFunc is a background task run on a fixed interval.
type PeriodicFunc func(ctx context.Context) error

type periodicTask struct {
	name     string
	interval time.Duration
	fn       PeriodicFunc
}

// Manager runs the queue workers and periodic background tasks
type Manager struct {
	queue    *Queue
	periodic []periodicTask
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:  queue,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// AddPeriodic registers a background task. Tasks added while running start
// with the next Start.
func (m *Manager) AddPeriodic(name string, interval time.Duration, fn PeriodicFunc) {
	if interval <= 0 {
		log.Infof("[JobQueue Manager] Periodic task %s disabled (interval=%s)", name, interval)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodic = append(m.periodic, periodicTask{name: name, interval: interval, fn: fn})
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	for _, task := range m.periodic {
		m.wg.Add(1)
		go m.runPeriodic(task, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) runPeriodic(task periodicTask, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", task.name, task.interval)

	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", task.name)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), task.interval)
			if err := task.fn(ctx); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", task.name, err)
			}
			cancel()
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
