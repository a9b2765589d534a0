package workers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
)

// termGrace is how long a child gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// delayedCoolDown paces respawns of the delayed processor singleton.
const delayedCoolDown = 5 * time.Second

// child is one spawned worker process.
type child struct {
	id      string
	queue   string
	cmd     *exec.Cmd
	started time.Time
	term    time.Time
	done    chan struct{}
	err     error
}

func (c *child) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Supervisor spawns ephemeral worker processes on demand: one control
// loop watches queue depths and launches a fresh `backfin worker` child
// per queue whenever there is work, capacity, and the cool-down has
// passed. It also keeps exactly one long-lived `backfin delayed`
// processor alive, depth or no depth. Children bound their own lifetimes
// (job cap, idle timeout); overstayers get SIGTERM, then SIGKILL after
// the grace period.
type Supervisor struct {
	broker interfaces.QueueBroker
	config *common.SupervisorConfig
	logger *common.Logger
	logDir string

	// startChild launches one child process; replaced in tests.
	startChild func(id string, args []string) (*child, error)

	mu          sync.Mutex
	children    map[string][]*child
	lastSpawn   map[string]time.Time
	delayed     *child
	lastDelayed time.Time
}

// NewSupervisor creates a worker supervisor.
func NewSupervisor(broker interfaces.QueueBroker, config *common.SupervisorConfig, logger *common.Logger) *Supervisor {
	logDir := config.LogDir
	if logDir == "" {
		logDir = "worker_logs"
	}
	s := &Supervisor{
		broker:    broker,
		config:    config,
		logger:    logger,
		logDir:    logDir,
		children:  make(map[string][]*child),
		lastSpawn: make(map[string]time.Time),
	}
	s.startChild = s.execChild
	return s
}

// Run drives the control loop until the context ends, then terminates
// any remaining children.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create worker log dir: %w", err)
	}

	s.logger.Info().
		Dur("tick", s.config.GetTickInterval()).
		Int("queues", len(s.config.Queues)).
		Msg("Worker supervisor started")

	ticker := time.NewTicker(s.config.GetTickInterval())
	defer ticker.Stop()
	statusTicker := time.NewTicker(s.config.GetStatusEvery())
	defer statusTicker.Stop()
	logTicker := time.NewTicker(time.Hour)
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-statusTicker.C:
			s.logStatus(ctx)
		case <-logTicker.C:
			s.reapLogs()
		}
	}
}

// tick reaps finished children, terminates overruns, keeps the delayed
// processor alive, and spawns where queues have work.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for queue, kids := range s.children {
		spawnCfg := s.config.Queues[queue]
		alive := kids[:0]
		for _, c := range kids {
			if c.finished() {
				if c.err != nil {
					s.logger.Warn().Err(c.err).Str("worker_id", c.id).Str("queue", queue).Msg("Worker exited with error")
				} else {
					s.logger.Debug().Str("worker_id", c.id).Str("queue", queue).Msg("Worker exited")
				}
				continue
			}
			if now.Sub(c.started) > spawnCfg.GetMaxRuntime() {
				if c.term.IsZero() {
					s.logger.Warn().Str("worker_id", c.id).Str("queue", queue).Dur("runtime", now.Sub(c.started)).Msg("Worker exceeded max runtime, sending SIGTERM")
					c.term = now
					s.signal(c, syscall.SIGTERM)
				} else if now.Sub(c.term) > termGrace {
					s.logger.Warn().Str("worker_id", c.id).Str("queue", queue).Msg("Worker ignored SIGTERM, killing")
					s.signal(c, syscall.SIGKILL)
				}
			}
			alive = append(alive, c)
		}
		s.children[queue] = alive
	}

	s.ensureDelayed(now)

	for queue, spawnCfg := range s.config.Queues {
		running := len(s.children[queue])
		if spawnCfg.MaxConcurrent > 0 && running >= spawnCfg.MaxConcurrent {
			continue
		}
		if last, ok := s.lastSpawn[queue]; ok && now.Sub(last) < spawnCfg.GetCoolDown() {
			continue
		}

		depth, err := s.broker.QueueLen(ctx, queue)
		if err != nil {
			s.logger.Error().Err(err).Str("queue", queue).Msg("Queue depth check failed")
			continue
		}
		if depth == 0 {
			continue
		}

		if err := s.spawn(queue); err != nil {
			s.logger.Error().Err(err).Str("queue", queue).Msg("Failed to spawn worker")
			continue
		}
		s.lastSpawn[queue] = now
	}
}

// ensureDelayed keeps exactly one delayed-queue processor child alive.
// It spawns regardless of queue depth: delayed promotion must run even
// when every immediate queue is empty. Caller holds the lock.
func (s *Supervisor) ensureDelayed(now time.Time) {
	if s.delayed != nil {
		if !s.delayed.finished() {
			return
		}
		if s.delayed.err != nil {
			s.logger.Warn().Err(s.delayed.err).Str("worker_id", s.delayed.id).Msg("Delayed processor exited with error")
		}
		s.delayed = nil
	}
	if now.Sub(s.lastDelayed) < delayedCoolDown {
		return
	}

	id := fmt.Sprintf("delayed-%s", uuid.New().String()[:8])
	c, err := s.startChild(id, []string{"delayed"})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to spawn delayed processor")
		return
	}
	s.delayed = c
	s.lastDelayed = now
	s.logger.Info().Str("worker_id", id).Msg("Delayed processor spawned")
}

// spawn launches one worker child for a queue. Caller holds the lock.
func (s *Supervisor) spawn(queue string) error {
	id := fmt.Sprintf("%s-%s", queue, uuid.New().String()[:8])
	c, err := s.startChild(id, []string{"worker", "--queue", queue})
	if err != nil {
		return err
	}
	c.queue = queue
	s.children[queue] = append(s.children[queue], c)
	s.logger.Info().Str("worker_id", id).Str("queue", queue).Msg("Worker spawned")
	return nil
}

// execChild re-invokes this binary with the given subcommand arguments,
// output redirected to per-worker log files.
func (s *Supervisor) execChild(id string, args []string) (*child, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	out, err := os.Create(filepath.Join(s.logDir, id+".out.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stdout log: %w", err)
	}
	errLog, err := os.Create(filepath.Join(s.logDir, id+".err.log"))
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to create worker stderr log: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = errLog

	if err := cmd.Start(); err != nil {
		out.Close()
		errLog.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	c := &child{
		id:      id,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		c.err = cmd.Wait()
		out.Close()
		errLog.Close()
		close(c.done)
	}()

	s.logger.Debug().Str("worker_id", id).Int("pid", cmd.Process.Pid).Msg("Child process started")
	return c, nil
}

// signal delivers sig to a child, tolerating already-exited processes.
func (s *Supervisor) signal(c *child, sig os.Signal) {
	if c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(sig)
}

// shutdown terminates all remaining children: SIGTERM first, SIGKILL
// for whatever is still alive after the grace period.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*child
	for queue, kids := range s.children {
		for _, c := range kids {
			if !c.finished() {
				s.logger.Info().Str("worker_id", c.id).Str("queue", queue).Msg("Terminating worker")
				s.signal(c, syscall.SIGTERM)
				pending = append(pending, c)
			}
		}
	}
	if s.delayed != nil && !s.delayed.finished() {
		s.logger.Info().Str("worker_id", s.delayed.id).Msg("Terminating delayed processor")
		s.signal(s.delayed, syscall.SIGTERM)
		pending = append(pending, s.delayed)
	}

	grace := time.NewTimer(termGrace)
	defer grace.Stop()
	expired := false
	for _, c := range pending {
		if expired {
			s.signal(c, syscall.SIGKILL)
			continue
		}
		select {
		case <-c.done:
		case <-grace.C:
			expired = true
			s.signal(c, syscall.SIGKILL)
		}
	}

	s.children = make(map[string][]*child)
	s.delayed = nil
}

// logStatus emits a queue depth and worker census summary.
func (s *Supervisor) logStatus(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for queue := range s.config.Queues {
		depth, err := s.broker.QueueLen(ctx, queue)
		if err != nil {
			continue
		}
		delayed, _ := s.broker.DelayedLen(ctx, queue)
		s.logger.Info().
			Str("queue", queue).
			Int64("depth", depth).
			Int64("delayed", delayed).
			Int("workers", len(s.children[queue])).
			Msg("Supervisor status")
	}
}

// reapLogs removes worker log files older than the retention window.
func (s *Supervisor) reapLogs() {
	cutoff := time.Now().Add(-s.config.GetLogRetention())
	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		return
	}

	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.logDir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Stale worker logs removed")
	}
}
