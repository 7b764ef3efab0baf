// Package heal implements C8: the heal supervisor that drains a FIFO queue
// of HealRequests, running at most one heal at a time with per-installation
// cooldown, stabilization waits, and a fixed retry/backoff policy, per
// spec.md §4.8.
package heal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"vivaldi-mod-manager/internal/discovery"
	"vivaldi-mod-manager/internal/injector"
	"vivaldi-mod-manager/internal/loader"
	"vivaldi-mod-manager/internal/manifest"
	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

// Defaults named in spec.md §4.8.
const (
	DefaultCooldown             = 30 * time.Second
	DefaultStabilizationMaxWait = 30 * time.Second
	DefaultMaxRetries           = 3
)

// DefaultBackoff is the fixed retry delay array spec.md §4.8 names.
var DefaultBackoff = []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second}

// Reason is the trigger that produced a HealRequest, per spec.md §4.8.
type Reason string

const (
	ReasonIntegrityViolation Reason = "IntegrityViolation"
	ReasonVivaldiUpdate      Reason = "VivaldiUpdate"
	ReasonManual             Reason = "Manual"
)

// Request is one unit of heal work, per spec.md §4.8.
type Request struct {
	ID             string
	InstallationID string
	Reason         Reason
	RetryCount     int
	EnqueuedAt     time.Time
}

// EventSink receives the events C9 broadcasts as a consequence of healing
// (InjectionCompleted/InjectionFailed), per spec.md §4.9. A nil EventSink is
// valid; events are simply dropped.
type EventSink interface {
	Publish(event string, data map[string]any)
}

// Supervisor runs the single-worker, strictly-FIFO heal loop of spec.md §4.8.
type Supervisor struct {
	store   *manifest.Store
	disc    *discovery.Discoverer
	inj     *injector.Injector
	metrics *vmmmetrics.Registry
	log     vmmlog.Logger
	events  EventSink

	cooldown             time.Duration
	stabilizationMaxWait time.Duration
	maxRetries           int
	backoff              []time.Duration

	sem *semaphore.Weighted

	mu           sync.Mutex
	queue        []Request
	lastAttempt  map[string]time.Time
	retryCounts  map[string]int
	notifyC      chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithCooldown(d time.Duration) Option             { return func(s *Supervisor) { s.cooldown = d } }
func WithStabilizationMaxWait(d time.Duration) Option { return func(s *Supervisor) { s.stabilizationMaxWait = d } }
func WithMaxRetries(n int) Option                     { return func(s *Supervisor) { s.maxRetries = n } }
func WithBackoff(d []time.Duration) Option            { return func(s *Supervisor) { s.backoff = d } }
func WithEventSink(sink EventSink) Option             { return func(s *Supervisor) { s.events = sink } }

// New constructs a Supervisor.
func New(store *manifest.Store, disc *discovery.Discoverer, inj *injector.Injector, metrics *vmmmetrics.Registry, log vmmlog.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = vmmlog.Noop()
	}
	s := &Supervisor{
		store:                store,
		disc:                 disc,
		inj:                  inj,
		metrics:              metrics,
		log:                  log,
		cooldown:             DefaultCooldown,
		stabilizationMaxWait: DefaultStabilizationMaxWait,
		maxRetries:           DefaultMaxRetries,
		backoff:              DefaultBackoff,
		sem:                  semaphore.NewWeighted(1),
		lastAttempt:          make(map[string]time.Time),
		retryCounts:          make(map[string]int),
		notifyC:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends a new HealRequest with a fresh id to the FIFO queue and
// returns that id. Retries and cooldown deferrals go through reenqueue
// instead, which keeps the request's existing id.
func (s *Supervisor) Enqueue(installationID string, reason Reason) string {
	req := Request{
		ID:             uuid.NewString(),
		InstallationID: installationID,
		Reason:         reason,
		EnqueuedAt:     time.Now(),
	}
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	s.wake()
	return req.ID
}

func (s *Supervisor) reenqueue(req Request) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	s.wake()
}

func (s *Supervisor) wake() {
	select {
	case s.notifyC <- struct{}{}:
	default:
	}
}

func (s *Supervisor) popFront() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Request{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

// Run drains the queue until ctx is cancelled, per spec.md §5's
// single-heal-worker, strict-FIFO scheduling model.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		req, ok := s.popFront()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.notifyC:
				continue
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.process(ctx, req)
		s.sem.Release(1)
	}
}

// process implements spec.md §4.8's numbered per-request algorithm.
func (s *Supervisor) process(ctx context.Context, req Request) {
	if s.metrics != nil {
		s.metrics.HealsAttempted.Inc()
	}

	// Step 2: cooldown check.
	s.mu.Lock()
	last, seen := s.lastAttempt[req.InstallationID]
	s.mu.Unlock()
	if seen {
		if remaining := s.cooldown - time.Since(last); remaining > 0 {
			s.log.Infof("heal: installation %s in cooldown, delaying %s", req.InstallationID, remaining)
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return
			}
			s.reenqueue(req)
			return
		}
	}

	s.mu.Lock()
	s.lastAttempt[req.InstallationID] = time.Now()
	s.mu.Unlock()

	snap := s.store.Snapshot()
	if !snap.Settings.AutoHealEnabled || snap.Settings.SafeModeActive {
		s.log.Debug("heal: auto-heal disabled or safe mode active, dropping request")
		return
	}

	inst, ok := snap.FindInstallation(req.InstallationID)
	if !ok {
		s.log.Errorf("heal: installation %s no longer in manifest, failing terminally", req.InstallationID)
		s.publish("InjectionFailed", req, errors.New("installation not found"))
		return
	}

	targets := discovery.FindInjectionTargets(*inst)
	startedAt := time.Now()

	s.awaitStabilization(ctx, targets)

	if err := s.heal(*inst, targets, snap); err != nil {
		s.onFailure(req, *inst, startedAt, err)
		return
	}
	s.onSuccess(req, *inst, startedAt)
	s.pruneBackups(targets, snap.Settings.BackupRetentionDays)
}

// pruneBackups runs the advisory backup-retention sweep once per successful
// heal (spec.md §9's eviction-trigger Open Question). Best-effort: a prune
// failure never fails the heal that just succeeded.
func (s *Supervisor) pruneBackups(targets map[string]string, retentionDays int) {
	paths := make([]string, 0, len(targets))
	for _, p := range targets {
		paths = append(paths, p)
	}
	removed, err := injector.PruneBackups(paths, retentionDays)
	if err != nil {
		s.log.Warnf("heal: backup prune had errors: %v", err)
		return
	}
	if removed > 0 {
		s.log.Debugf("heal: pruned %d stale backup(s)", removed)
	}
}

// awaitStabilization polls target files by attempting an exclusive open
// until all succeed or stabilizationMaxWait elapses, per spec.md §4.8 step 5
// ("this waits out the browser updater").
func (s *Supervisor) awaitStabilization(ctx context.Context, targets map[string]string) {
	deadline := time.Now().Add(s.stabilizationMaxWait)
	for {
		if allOpenable(targets) {
			return
		}
		if time.Now().After(deadline) {
			s.log.Warnf("heal: stabilization wait exhausted after %s", s.stabilizationMaxWait)
			return
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func allOpenable(targets map[string]string) bool {
	for _, path := range targets {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			if os.IsNotExist(err) {
				continue // missing targets don't block stabilization; that's an integrity concern
			}
			return false
		}
		_ = f.Close()
	}
	return true
}

// heal builds the current desired state and calls C4 then C5, per spec.md
// §4.8 step 6.
func (s *Supervisor) heal(inst manifest.Installation, targets map[string]string, snap *manifest.Manifest) error {
	plan, err := loader.Generate(snap.EnabledMods())
	if err != nil {
		return fmt.Errorf("generating loader: %w", err)
	}

	resourcesDir := discovery.ResourcesDir(inst)
	loaderPath, err := loader.Write(plan, resourcesDir, snap.Settings.ModsRootPath)
	if err != nil {
		return fmt.Errorf("writing loader: %w", err)
	}

	if _, err := s.inj.Inject(targets, loaderPath, plan.Fingerprint); err != nil {
		if _, rerr := s.inj.RemoveInjection(targets); rerr != nil {
			s.log.Warnf("heal: rollback after failed inject also failed for %s: %v", inst.ID, rerr)
		}
		return fmt.Errorf("injecting: %w", err)
	}

	return s.persistSuccess(inst, plan)
}

func (s *Supervisor) persistSuccess(inst manifest.Installation, plan loader.Plan) error {
	return s.store.Mutate(func(m *manifest.Manifest) error {
		target, ok := m.FindInstallation(inst.ID)
		if !ok {
			return fmt.Errorf("installation %s vanished during heal", inst.ID)
		}
		now := time.Now().UTC()
		target.LastInjectionAt = now
		target.LastInjectionStatus = "Success"
		target.InjectionFingerprint = plan.Fingerprint
		target.LastVerifiedAt = now
		return nil
	})
}

func (s *Supervisor) onSuccess(req Request, inst manifest.Installation, startedAt time.Time) {
	s.mu.Lock()
	delete(s.retryCounts, inst.ID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HealsSucceeded.Inc()
	}
	s.recordHistory(inst.ID, req.Reason, true, startedAt, "")
	s.publish("InjectionCompleted", req, nil)
}

func (s *Supervisor) onFailure(req Request, inst manifest.Installation, startedAt time.Time, cause error) {
	s.log.Warnf("heal: attempt failed for %s: %v", inst.ID, cause)

	s.mu.Lock()
	s.retryCounts[inst.ID]++
	retryCount := s.retryCounts[inst.ID]
	s.mu.Unlock()

	if retryCount <= s.maxRetries {
		delay := s.backoff[len(s.backoff)-1]
		if idx := retryCount - 1; idx < len(s.backoff) {
			delay = s.backoff[idx]
		}
		s.log.Infof("heal: scheduling retry %d/%d for %s after %s", retryCount, s.maxRetries, inst.ID, delay)
		go func() {
			time.Sleep(delay)
			next := req
			next.RetryCount = retryCount
			s.reenqueue(next)
		}()
		return
	}

	s.mu.Lock()
	delete(s.retryCounts, inst.ID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HealsFailed.Inc()
	}
	s.recordHistory(inst.ID, req.Reason, false, startedAt, cause.Error())
	s.publish("InjectionFailed", req, cause)
}

// recordHistory prepends a bounded heal-history entry and persists it, per
// spec.md §4.8's "persisted to disk on every change so it survives restart".
func (s *Supervisor) recordHistory(installationID string, reason Reason, success bool, startedAt time.Time, errMsg string) {
	entry := manifest.HealHistoryEntry{
		InstallationID: installationID,
		TriggerReason:  string(reason),
		Success:        success,
		StartedAt:      startedAt,
		DurationMS:     time.Since(startedAt).Milliseconds(),
		Error:          errMsg,
	}
	err := s.store.Mutate(func(m *manifest.Manifest) error {
		m.HealHistory = append([]manifest.HealHistoryEntry{entry}, m.HealHistory...)
		if len(m.HealHistory) > manifest.HistoryMaxEntries {
			m.HealHistory = m.HealHistory[:manifest.HistoryMaxEntries]
		}
		return nil
	})
	if err != nil {
		s.log.Errorf("heal: failed to persist history entry for %s: %v", installationID, err)
	}
}

func (s *Supervisor) publish(event string, req Request, cause error) {
	if s.events == nil {
		return
	}
	data := map[string]any{
		"installationId": req.InstallationID,
		"requestId":      req.ID,
		"reason":         string(req.Reason),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	s.events.Publish(event, data)
}

// QueueDepth reports the number of requests currently waiting, for
// GetServiceStatus.
func (s *Supervisor) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
