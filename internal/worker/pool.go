package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
)

// Pool runs a fixed number of claim loops against the queue. A shared rate
// limiter caps how many jobs the whole pool starts per window, regardless of
// concurrency.
type Pool struct {
	queue     *queue.Queue
	processor *Processor
	bus       relay.Bus
	size      int
	limiter   *rate.Limiter
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a pool of size workers limited to claimLimit job starts per
// claimWindow. Non-positive limits from misconfigured environments clamp to
// one claim per window instead of dividing by zero.
func NewPool(q *queue.Queue, proc *Processor, bus relay.Bus, size, claimLimit int, claimWindow time.Duration, logger *zap.Logger) *Pool {
	if claimLimit <= 0 {
		claimLimit = 1
	}
	if claimWindow <= 0 {
		claimWindow = time.Second
	}
	limit := rate.Every(claimWindow / time.Duration(claimLimit))
	return &Pool{
		queue:     q,
		processor: proc,
		bus:       bus,
		size:      size,
		limiter:   rate.NewLimiter(limit, claimLimit),
		logger:    logger.Named("worker"),
	}
}

// Start launches the claim loops.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("Worker pool started", zap.Int("size", p.size))
}

// Stop cancels in-flight work and waits for the loops to exit. Interrupted
// jobs come back via the queue's stall sweep.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker", id))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Claiming job failed", zap.Error(err))
			continue
		}
		p.handle(ctx, job, log)
	}
}

// handle classifies the processing outcome: success acks, fatal errors fail
// with a client-visible error event, everything else retries.
func (p *Pool) handle(ctx context.Context, job *queue.Job, log *zap.Logger) {
	err := p.processor.Process(ctx, job)
	switch {
	case err == nil:
		if err := p.queue.Ack(ctx, job); err != nil {
			log.Warn("Acking job failed", zap.Error(err))
		}
	case errors.Is(err, context.Canceled):
		// Shutting down mid-job; the stall sweep re-queues it.
	case queue.IsFatal(err):
		if ferr := p.queue.Fail(ctx, job, err); ferr != nil {
			log.Warn("Recording job failure failed", zap.Error(ferr))
		}
		p.notifyFailure(job, err)
	default:
		if rerr := p.queue.Retry(ctx, job, err); rerr != nil {
			log.Warn("Scheduling retry failed", zap.Error(rerr))
		}
		if job.Attempts >= queue.MaxAttempts {
			p.notifyFailure(job, err)
		}
	}
}

// notifyFailure sends a terminal error event so duplex rooms and waiting
// streams learn the job will never produce a reply.
func (p *Pool) notifyFailure(job *queue.Job, cause error) {
	ev := relay.Event{
		Type:      relay.EventError,
		RoomID:    job.RoomID,
		JobID:     job.ID,
		Message:   "AI 응답 생성 중 오류가 발생했습니다.",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, deliveryChannel(job), ev); err != nil {
		p.logger.Warn("Publishing failure event failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
