package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
)

// MemoryStorage backs the repositories for tests and store-less dev
// mode. A single lock covers all collections so cross-repo reads used
// in one dispatch decision see a consistent snapshot.
type MemoryStorage struct {
	jobs         map[string]*domain.RecoveryJob
	suppressions map[string]*domain.SuppressionEntry
	settings     *domain.Settings
	carts        map[string]*domain.AbandonedCart
	converted    map[string]bool
	mu           sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:         make(map[string]*domain.RecoveryJob),
		suppressions: make(map[string]*domain.SuppressionEntry),
		carts:        make(map[string]*domain.AbandonedCart),
		converted:    make(map[string]bool),
	}
}

func cloneJob(j *domain.RecoveryJob) *domain.RecoveryJob {
	c := *j
	if j.LastAttemptAt != nil {
		at := *j.LastAttemptAt
		c.LastAttemptAt = &at
	}
	return &c
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.RecoveryJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, j := range r.store.jobs {
		if j.UserID == job.UserID && j.CartID == job.CartID && !j.State.Terminal() {
			return storage.ErrDuplicateActiveJob
		}
	}
	r.store.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if j, ok := r.store.jobs[id]; ok {
		return cloneJob(j), nil
	}
	return nil, nil
}

func (r *JobRepo) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, j := range r.store.jobs {
		if j.ProviderCallID != "" && j.ProviderCallID == providerCallID {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (r *JobRepo) HasActive(ctx context.Context, key domain.RecoveryKey) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, j := range r.store.jobs {
		if j.UserID == key.UserID && j.CartID == key.CartID && !j.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *JobRepo) HasSince(ctx context.Context, key domain.RecoveryKey, since time.Time) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, j := range r.store.jobs {
		if j.UserID == key.UserID && j.CartID == key.CartID && !j.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *JobRepo) collect(match func(*domain.RecoveryJob) bool) []*domain.RecoveryJob {
	var out []*domain.RecoveryJob
	for _, j := range r.store.jobs {
		if match(j) {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

func (r *JobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := r.collect(func(j *domain.RecoveryJob) bool {
		return j.State == domain.JobStateQueued && !j.NextEligibleAt.After(now)
	})
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) Retryable(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := r.collect(func(j *domain.RecoveryJob) bool {
		return j.State == domain.JobStateFailedRetryable && !j.NextEligibleAt.After(now)
	})
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) StuckInProgress(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := r.collect(func(j *domain.RecoveryJob) bool {
		return j.State == domain.JobStateInProgress &&
			j.LastAttemptAt != nil && j.LastAttemptAt.Before(cutoff)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) ActiveForUser(ctx context.Context, userID string) ([]*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.collect(func(j *domain.RecoveryJob) bool {
		return j.UserID == userID && !j.State.Terminal()
	}), nil
}

func (r *JobRepo) ActiveWithProviderCall(ctx context.Context, limit int) ([]*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := r.collect(func(j *domain.RecoveryJob) bool {
		return j.State == domain.JobStateInProgress && j.ProviderCallID != ""
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) Transition(ctx context.Context, id string, from, to domain.JobState, update domain.JobUpdate) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok || j.State != from {
		return false, nil
	}
	if !domain.CanTransition(from, to) {
		return false, nil
	}
	j.State = to
	if update.AttemptCount != nil {
		j.AttemptCount = *update.AttemptCount
	}
	if update.NextEligibleAt != nil {
		j.NextEligibleAt = *update.NextEligibleAt
	}
	if update.ProviderCallID != nil {
		j.ProviderCallID = *update.ProviderCallID
	}
	if update.LastOutcome != nil {
		j.LastOutcome = *update.LastOutcome
	}
	if update.LastError != nil {
		j.LastError = *update.LastError
	}
	if update.LastAttemptAt != nil {
		at := *update.LastAttemptAt
		j.LastAttemptAt = &at
	}
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *JobRepo) List(ctx context.Context, state string, limit int) ([]*domain.RecoveryJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := r.collect(func(j *domain.RecoveryJob) bool {
		return state == "" || string(j.State) == state
	})
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) CountByState(ctx context.Context) (storage.StateCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(storage.StateCounts)
	for _, j := range r.store.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (r *JobRepo) OutcomesSince(ctx context.Context, since time.Time) (storage.OutcomeWindow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var w storage.OutcomeWindow
	for _, j := range r.store.jobs {
		if j.UpdatedAt.Before(since) {
			continue
		}
		switch j.State {
		case domain.JobStateCompleted:
			w.Completed++
		case domain.JobStateDeadLetter:
			w.FailedOrDead++
		case domain.JobStateFailedRetryable:
			w.FailedOrDead++
		}
	}
	return w, nil
}

func (r *JobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	deleted := 0
	for id, j := range r.store.jobs {
		if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(r.store.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Suppression Repository
// -----------------------------------------------------------------------------

type SuppressionRepo struct {
	store *MemoryStorage
}

func NewSuppressionRepo(store *MemoryStorage) *SuppressionRepo {
	return &SuppressionRepo{store: store}
}

func (r *SuppressionRepo) Upsert(ctx context.Context, entry *domain.SuppressionEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *entry
	r.store.suppressions[entry.UserID] = &c
	return nil
}

func (r *SuppressionRepo) Delete(ctx context.Context, userID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.suppressions, userID)
	return nil
}

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, userID string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.suppressions[userID]
	return ok, nil
}

func (r *SuppressionRepo) List(ctx context.Context) ([]*domain.SuppressionEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.SuppressionEntry, 0, len(r.store.suppressions))
	for _, e := range r.store.suppressions {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Settings Repository
// -----------------------------------------------------------------------------

type SettingsRepo struct {
	store *MemoryStorage
}

func NewSettingsRepo(store *MemoryStorage) *SettingsRepo {
	return &SettingsRepo{store: store}
}

func (r *SettingsRepo) Get(ctx context.Context) (domain.Settings, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if r.store.settings == nil {
		return domain.DefaultSettings(), nil
	}
	return *r.store.settings, nil
}

func (r *SettingsRepo) Put(ctx context.Context, s domain.Settings) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.settings = &s
	return nil
}

// -----------------------------------------------------------------------------
// Cart Source (test/dev collaborator stand-in)
// -----------------------------------------------------------------------------

type CartRepo struct {
	store *MemoryStorage
}

func NewCartRepo(store *MemoryStorage) *CartRepo {
	return &CartRepo{store: store}
}

// SeedCart registers a cart for scanning. Test helper.
func (r *CartRepo) SeedCart(cart *domain.AbandonedCart) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cart
	r.store.carts[cart.CartID] = &c
}

// MarkConverted flags a cart as converted to an order. Test helper.
func (r *CartRepo) MarkConverted(cartID string) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.converted[cartID] = true
}

func (r *CartRepo) AbandonedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.AbandonedCart, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.AbandonedCart
	for _, cart := range r.store.carts {
		// Cleared carts have nothing to recover; same filter as the
		// postgres source.
		if cart.ItemCount <= 0 {
			continue
		}
		if r.store.converted[cart.CartID] || cart.LastActivityAt.After(cutoff) {
			continue
		}
		c := *cart
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LastActivityAt.Before(out[b].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CartRepo) Status(ctx context.Context, cartID string) (domain.CartStatus, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cart, ok := r.store.carts[cartID]
	if !ok {
		return domain.CartStatus{Exists: false}, nil
	}
	return domain.CartStatus{
		Exists:    true,
		Converted: r.store.converted[cartID],
		Cleared:   cart.ItemCount == 0,
	}, nil
}
