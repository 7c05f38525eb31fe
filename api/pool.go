package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"minutes-api/config"
	"minutes-api/domain"
)

type enqueueJob struct {
	userID string
	cmds   []domain.Command
	added  []string // keys added to deduper (for rollback on enqueue failure)
}

var (
	once           sync.Once
	jobs           chan enqueueJob
	workerCount    int
	jobBuf         int
	enqueueTimeout = 60 * time.Second
	handoffTimeout time.Duration
	bg             = context.Background()
	globalStore    Storage
	globalDeduper  Deduper
	globalLog      *log.Logger
	workerWG       sync.WaitGroup
)

// Shutdown stops the command sender after the workers have sent every job
// already handed to them. Call it once the HTTP server has stopped.
func Shutdown() {
	shutdownCommandSender()
}

// shutdownCommandSender stops worker goroutines and clears shared state.
func shutdownCommandSender() {
	if jobs != nil {
		close(jobs)
		jobs = nil
	}

	workerWG.Wait()

	globalStore = nil
	globalDeduper = nil
	globalLog = nil
	workerCount = 0
	jobBuf = 0
	enqueueTimeout = 60 * time.Second
	handoffTimeout = 0
	once = sync.Once{}
	workerWG = sync.WaitGroup{}
}

func initCommandSender(store Storage, deduper Deduper, cfg config.Enqueue, logger *log.Logger) {
	once.Do(func() {
		if logger == nil {
			panic("Logger is not initialized")
		}
		globalStore = store
		globalDeduper = deduper
		globalLog = logger

		workerCount = cfg.Workers
		if workerCount <= 0 {
			workerCount = 32
		}
		jobBuf = cfg.Buffer
		if jobBuf < 0 {
			jobBuf = 0
		}
		if cfg.Timeout > 0 {
			enqueueTimeout = cfg.Timeout
		}
		handoffTimeout = cfg.HandoffTimeout

		jobs = make(chan enqueueJob, jobBuf)
		for i := 0; i < workerCount; i++ {
			workerWG.Add(1)
			go worker(i, jobs)
		}
		globalLog.Infof("command sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workerCount, jobBuf, enqueueTimeout, handoffTimeout)
	})
}

func worker(id int, jobCh <-chan enqueueJob) {
	defer workerWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, enqueueTimeout)
		err := globalStore.EnqueueCommands(ctx, j.userID, j.cmds)
		cancel()

		if err != nil {
			rollbackKeys(globalDeduper, globalLog, j.userID, j.added)
			globalLog.Errorf("enqueue failed, err: %v, user: %s, count: %d, worker: %d", err, j.userID, len(j.cmds), id)
		}
	}
}

func rollbackKeys(d Deduper, logger *log.Logger, userID string, keys []string) {
	if d == nil {
		return
	}
	for _, k := range keys {
		if err := d.Remove(bg, userID, k); err != nil && logger != nil {
			logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", err, k, userID)
		}
	}
}

func tryEnqueueJob(job enqueueJob) bool {
	if jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan enqueueJob, job enqueueJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan enqueueJob, job enqueueJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
