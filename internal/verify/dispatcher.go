package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/coinpool/internal/alert"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

// Defaults for Options.
const (
	DefaultTimeout             = 60 * time.Second
	DefaultMaxInFlight         = 16
	DefaultSweepInterval       = 30 * time.Second
	DefaultUnhealthyWindow     = 60 * time.Second
	DefaultMaxErrors           = 10
	DefaultBacklogThreshold    = 100
	DefaultMinerShareThreshold = 50
)

// Metrics receives per-verifier queue state after every sweep.
type Metrics interface {
	RecordVerifier(addr string, queued, inFlight, consecutiveErrors int)
}

// AbuseReporter is told about miners with an unusual number of queued shares.
type AbuseReporter interface {
	ReportSubmitter(ctx context.Context, miner string, queuedShares int) error
}

// Options configures a Dispatcher. Zero values take the defaults above.
type Options struct {
	// Endpoints are verifier host:port addresses. With none, jobs are
	// verified in process by Hasher.
	Endpoints []string
	Hasher    Hasher
	// Known, when set, rejects jobs for algorithms no coin uses.
	Known func(algo string) bool

	// Timeout bounds a job from enqueue to resolution. Queued jobs older
	// than Timeout are removed by the sweep.
	Timeout         time.Duration
	MaxInFlight     int
	SweepInterval   time.Duration
	UnhealthyWindow time.Duration
	// MaxErrors consecutive errors within UnhealthyWindow take a verifier
	// out of rotation; crossing it sends an operator alert.
	MaxErrors           int
	BacklogThreshold    int
	MinerShareThreshold int

	Alerts         alert.Sender
	AlertRecipient string
	Metrics        Metrics
	Abuse          AbuseReporter
	Dialer         Dialer
	Logger         *log.Logger

	now func() time.Time
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.UnhealthyWindow <= 0 {
		o.UnhealthyWindow = DefaultUnhealthyWindow
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = DefaultMaxErrors
	}
	if o.BacklogThreshold <= 0 {
		o.BacklogThreshold = DefaultBacklogThreshold
	}
	if o.MinerShareThreshold <= 0 {
		o.MinerShareThreshold = DefaultMinerShareThreshold
	}
	if o.Dialer == nil {
		o.Dialer = defaultDialer()
	}
	if o.now == nil {
		o.now = time.Now
	}
}

// Dispatcher routes verification jobs to the least loaded healthy verifier.
type Dispatcher struct {
	opts      Options
	endpoints []*endpoint
	alerts    alert.Sender
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a dispatcher. Call Start before submitting remote jobs.
func New(opts Options) *Dispatcher {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:   opts,
		alerts: alert.OrNop(opts.Alerts),
		logger: log.OrNop(opts.Logger).WithComponent("verify"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, addr := range opts.Endpoints {
		if addr = strings.TrimSpace(addr); addr != "" {
			d.endpoints = append(d.endpoints, newEndpoint(addr, opts.MaxInFlight))
		}
	}
	return d
}

// Local reports whether jobs are verified in process.
func (d *Dispatcher) Local() bool { return len(d.endpoints) == 0 }

// Start launches one pump per verifier and the stale job sweep. They stop
// when ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, d.cancel)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			<-d.ctx.Done()
			stop()
		}()

		for _, e := range d.endpoints {
			d.wg.Add(1)
			go d.pump(e)
		}
		if len(d.endpoints) > 0 {
			d.wg.Add(1)
			go d.sweepLoop()
		}
		d.logger.Info("verification dispatcher started",
			"verifiers", len(d.endpoints),
			"max_in_flight", d.opts.MaxInFlight,
			"timeout", d.opts.Timeout.String(),
		)
	})
}

// Close stops the pumps and the sweep, waits for running exchanges to end
// and resolves every job still queued as negative.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		for _, e := range d.endpoints {
			for _, p := range e.drain() {
				p.resolve(negative(e.addr, ErrClosed, d.opts.now().Sub(p.enqueued)))
			}
		}
	})
}

// Submit enqueues job and arranges for cb to be called exactly once. With
// no verifiers configured the job is verified before Submit returns.
func (d *Dispatcher) Submit(job Job, cb Callback) {
	p := &pending{job: job, cb: cb, enqueued: d.opts.now()}

	if d.opts.Known != nil && !d.opts.Known(job.Algo) {
		p.resolve(negative("", errors.Newf(errors.ErrorTypeUnsupported, "verify.submit",
			"unsupported algorithm %q", job.Algo), 0))
		return
	}
	if d.Local() {
		p.resolve(d.local(job))
		return
	}
	if d.ctx.Err() != nil {
		p.resolve(negative("", ErrClosed, 0))
		return
	}

	// Close may drain between the check above and the push.
	if e := d.pick(); !e.push(p) {
		p.resolve(negative(e.addr, ErrClosed, 0))
	}
}

// Verify submits job and waits for its resolution.
func (d *Dispatcher) Verify(ctx context.Context, job Job) (Result, error) {
	done := make(chan Result, 1)
	d.Submit(job, func(r Result) { done <- r })
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Dispatcher) local(job Job) Result {
	if d.opts.Hasher == nil {
		return negative("", errors.New(errors.ErrorTypeUnsupported, "verify.local",
			"no verifiers and no in-process hasher configured"), 0)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()
	hash, err := d.opts.Hasher.Hash(ctx, job.Algo, job.Blob, job.SeedHash, job.Height)
	if err != nil {
		return negative("", errors.Wrap(err, errors.ErrorTypeInternal, "verify.local", "hash failed"), time.Since(start))
	}
	value, _ := fastJSON.Marshal(hex.EncodeToString(hash))
	return Result{OK: len(hash) > 0, Value: value, Elapsed: time.Since(start)}
}

// pick returns the least loaded verifier that is not recently unhealthy. When
// every verifier is unhealthy it returns the one whose last error is oldest.
func (d *Dispatcher) pick() *endpoint {
	now := d.opts.now()
	var (
		best, fallback *endpoint
		bestLoad       int
		fallbackErr    time.Time
	)
	for _, e := range d.endpoints {
		h := e.health()
		if d.unhealthy(h, now) {
			if fallback == nil || h.lastError.Before(fallbackErr) {
				fallback, fallbackErr = e, h.lastError
			}
			continue
		}
		if best == nil || h.load < bestLoad {
			best, bestLoad = e, h.load
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

func (d *Dispatcher) unhealthy(h health, now time.Time) bool {
	return h.consecutiveErrors > d.opts.MaxErrors && now.Sub(h.lastError) < d.opts.UnhealthyWindow
}

// pump feeds queued jobs to the verifier, at most MaxInFlight at a time.
func (d *Dispatcher) pump(e *endpoint) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-e.wake:
		}
		for {
			if err := e.slots.AddWithContext(d.ctx); err != nil {
				return
			}
			p := e.pop()
			if p == nil {
				e.slots.Done()
				break
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer e.slots.Done()
				d.run(e, p)
			}()
		}
	}
}

// run performs one exchange and resolves the job. Health is updated before
// the callback runs so the next selection sees it.
func (d *Dispatcher) run(e *endpoint, p *pending) {
	logger := d.logger.WithVerifier(e.addr)
	remaining := d.opts.Timeout - d.opts.now().Sub(p.enqueued)
	if remaining <= 0 {
		e.release()
		p.resolve(negative(e.addr, ErrTimeout, d.opts.now().Sub(p.enqueued)))
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, remaining)
	defer cancel()

	start := time.Now()
	value, err := exchange(ctx, d.opts.Dialer, e.addr, p.job)
	elapsed := time.Since(start)

	errCount := e.finish(err, d.opts.now())
	if err != nil {
		logger.WithError(err).Warn("verification failed",
			"algo", p.job.Algo,
			"miner", p.job.Miner,
			"consecutive_errors", errCount,
			"body", errors.Body(err),
		)
		if errCount == d.opts.MaxErrors+1 {
			d.alertFailing(e.addr, errCount, err)
		}
		p.resolve(negative(e.addr, err, elapsed))
		return
	}

	r := Result{OK: positive(value), Value: value, Verifier: e.addr, Elapsed: elapsed}
	logger.LogVerification(e.addr, p.job.Algo, p.job.Miner, r.OK, elapsed)
	if !p.resolve(r) {
		logger.Debug("late verification result suppressed", "miner", p.job.Miner)
	}
}

func (d *Dispatcher) alertFailing(addr string, count int, cause error) {
	a := alert.Newf(alert.KindVerifierFailure, 0,
		fmt.Sprintf("Verifier %s is failing", addr),
		"Verifier %s failed %d consecutive jobs. Last error: %v", addr, count, cause)
	a.Recipient = d.opts.AlertRecipient
	if err := d.alerts.Send(d.ctx, a); err != nil {
		d.logger.WithError(err).Warn("failed to send verifier alert", "verifier", addr)
	}
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep resolves queued jobs older than the timeout as negative and reports
// backlogs and heavy submitters.
func (d *Dispatcher) sweep() {
	now := d.opts.now()
	cutoff := now.Add(-d.opts.Timeout)
	for _, e := range d.endpoints {
		stale := e.removeStale(cutoff)
		for _, p := range stale {
			p.resolve(negative(e.addr, ErrStale, now.Sub(p.enqueued)))
		}
		if len(stale) > 0 {
			d.logger.Warn("removed stale verification jobs", "verifier", e.addr, "count", len(stale))
		}

		s := e.snapshot(now)
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordVerifier(s.Addr, s.Queued, s.InFlight, s.ConsecutiveErrors)
		}
		if s.Queued > d.opts.BacklogThreshold {
			d.logger.LogBacklog(s.Addr, s.Queued, s.InFlight, s.Oldest)
		}
		d.reportMiners(s)
	}
}

func (d *Dispatcher) reportMiners(s EndpointStats) {
	miners := make([]string, 0)
	for m, n := range s.Miners {
		if n > d.opts.MinerShareThreshold {
			miners = append(miners, m)
		}
	}
	sort.Strings(miners)
	for _, m := range miners {
		d.logger.Warn("miner has many queued shares", "verifier", s.Addr, "miner", m, "queued", s.Miners[m])
		if d.opts.Abuse == nil {
			continue
		}
		if err := d.opts.Abuse.ReportSubmitter(d.ctx, m, s.Miners[m]); err != nil {
			d.logger.WithError(err).Warn("failed to report submitter", "miner", m)
		}
	}
}

// Stats returns a snapshot of every verifier.
func (d *Dispatcher) Stats() []EndpointStats {
	now := d.opts.now()
	out := make([]EndpointStats, len(d.endpoints))
	for i, e := range d.endpoints {
		out[i] = e.snapshot(now)
	}
	return out
}
