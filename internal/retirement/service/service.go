// Package service drives learners through retirement: the ordered state
// list, the external forum rename, credential revocation, and the rehash of
// retired usernames when salts or normalization change.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"accredit/internal/learners"
	"accredit/internal/retirement/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/sentinel"
	"accredit/pkg/requestcontext"
)

const revocationReason = "learner retired"

type Store interface {
	CreateRequest(ctx context.Context, req models.Request) error
	HasRequest(ctx context.Context, learner id.LearnerID) (bool, error)
	DeleteRequest(ctx context.Context, learner id.LearnerID) error
	CreateStatus(ctx context.Context, st models.Status) error
	GetStatus(ctx context.Context, learner id.LearnerID) (models.Status, error)
	GetStatusByUsername(ctx context.Context, originalUsername string) (models.Status, error)
	UpdateStatus(ctx context.Context, st models.Status, expectedState string) error
	DeleteStatus(ctx context.Context, learner id.LearnerID) error
	ListStatuses(ctx context.Context) ([]models.Status, error)
}

type LearnerStore interface {
	Get(ctx context.Context, learner id.LearnerID) (learners.Learner, error)
	GetByUsername(ctx context.Context, username string) (learners.Learner, error)
	UpdateUsernameIfEquals(ctx context.Context, learner id.LearnerID, current, next string) (bool, error)
	Retire(ctx context.Context, learner id.LearnerID, username, email string) error
}

type ForumClient interface {
	RetireUser(ctx context.Context, username, retiredUsername string) error
}

// CertificateRevoker moves every passing certificate of a learner to
// unavailable.
type CertificateRevoker interface {
	RevokeAllPassing(ctx context.Context, learner id.LearnerID, reason string) (int, error)
}

// TxRunner groups store writes into one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// lockTx serializes in-memory "transactions" with one mutex.
type lockTx struct {
	mu sync.Mutex
}

func (t *lockTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}

type Coordinator struct {
	store    Store
	learners LearnerStore
	forum    ForumClient
	revoker  CertificateRevoker
	hasher   *Hasher
	states   models.States
	tx       TxRunner
	logger   *slog.Logger
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithTx(tx TxRunner) Option {
	return func(c *Coordinator) {
		if tx != nil {
			c.tx = tx
		}
	}
}

// WithStates replaces the default state list.
func WithStates(states models.States) Option {
	return func(c *Coordinator) {
		if len(states) > 0 {
			c.states = states
		}
	}
}

func New(store Store, learnerStore LearnerStore, forum ForumClient, revoker CertificateRevoker, hasher *Hasher, opts ...Option) (*Coordinator, error) {
	switch {
	case store == nil:
		return nil, errors.New("retirement store is required")
	case learnerStore == nil:
		return nil, errors.New("learner store is required")
	case forum == nil:
		return nil, errors.New("forum client is required")
	case revoker == nil:
		return nil, errors.New("certificate revoker is required")
	case hasher == nil:
		return nil, errors.New("hasher is required")
	}
	c := &Coordinator{
		store:    store,
		learners: learnerStore,
		forum:    forum,
		revoker:  revoker,
		hasher:   hasher,
		states:   models.DefaultStates(),
		tx:       &lockTx{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// States returns the configured state list.
func (c *Coordinator) States() models.States {
	return c.states
}

// RequestRetirement records the learner's request to be retired.
func (c *Coordinator) RequestRetirement(ctx context.Context, learner id.LearnerID) error {
	if _, err := c.learner(ctx, learner); err != nil {
		return err
	}
	err := c.store.CreateRequest(ctx, models.Request{LearnerID: learner, CreatedAt: requestcontext.Now(ctx)})
	if errors.Is(err, sentinel.ErrConflict) {
		return models.StateError("learner %s already has a retirement request", learner)
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record retirement request")
	}
	return nil
}

// CreateRetirement opens the status row for a learner who has requested
// retirement, in the initial state.
func (c *Coordinator) CreateRetirement(ctx context.Context, learnerID id.LearnerID) (models.Status, error) {
	learner, err := c.learner(ctx, learnerID)
	if err != nil {
		return models.Status{}, err
	}
	var st models.Status
	err = c.tx.RunInTx(ctx, func(ctx context.Context) error {
		requested, err := c.store.HasRequest(ctx, learnerID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check retirement request")
		}
		if !requested {
			return models.StateError("learner %s has not requested retirement", learnerID)
		}
		now := requestcontext.Now(ctx)
		initial := c.states.Initial().Name
		st = models.Status{
			LearnerID:        learnerID,
			OriginalUsername: learner.Username,
			OriginalEmail:    learner.Email,
			OriginalName:     learner.Name,
			RetiredUsername:  c.hasher.RetiredUsername(learner.Username),
			RetiredEmail:     c.hasher.RetiredEmail(learner.Email),
			CurrentState:     initial,
			LastState:        initial,
			Responses:        []string{fmt.Sprintf("Created in state %s by create_retirement", initial)},
			CreatedAt:        now,
			ModifiedAt:       now,
		}
		err = c.store.CreateStatus(ctx, st)
		if errors.Is(err, sentinel.ErrConflict) {
			return models.StateError("learner %s already has a retirement status", learnerID)
		}
		return err
	})
	if err != nil {
		return models.Status{}, err
	}
	c.logger.InfoContext(ctx, "retirement created",
		"learner_id", learnerID.String(),
		"state", st.CurrentState,
	)
	return st, nil
}

// Advance moves the retirement of username to newState and logs response.
func (c *Coordinator) Advance(ctx context.Context, username, newState, response string) (models.Status, error) {
	st, err := c.status(ctx, username)
	if err != nil {
		return models.Status{}, err
	}
	if err := c.move(ctx, &st, newState, response); err != nil {
		return models.Status{}, err
	}
	return st, nil
}

// CancelRetirement withdraws a retirement that has not started: the status
// and the request are both removed.
func (c *Coordinator) CancelRetirement(ctx context.Context, username string) error {
	st, err := c.status(ctx, username)
	if err != nil {
		return err
	}
	if st.CurrentState != c.states.Initial().Name {
		return models.StateError("retirement of %s is in %s and can no longer be cancelled", username, st.CurrentState)
	}
	return c.removeStatus(ctx, st)
}

// DeleteStatus removes the status row. In the initial state the request goes
// with it; later the request is a permanent tombstone.
func (c *Coordinator) DeleteStatus(ctx context.Context, username string) error {
	st, err := c.status(ctx, username)
	if err != nil {
		return err
	}
	return c.removeStatus(ctx, st)
}

func (c *Coordinator) removeStatus(ctx context.Context, st models.Status) error {
	pending := st.CurrentState == c.states.Initial().Name
	return c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.store.DeleteStatus(ctx, st.LearnerID); err != nil {
			return translate(err, "retirement status")
		}
		if !pending {
			return nil
		}
		if err := c.store.DeleteRequest(ctx, st.LearnerID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete retirement request")
		}
		return nil
	})
}

// GetForAction returns the status of username if a retirement step may act
// on it: not in a required state and not in a *_COMPLETE state.
func (c *Coordinator) GetForAction(ctx context.Context, username string) (models.Status, error) {
	st, err := c.status(ctx, username)
	if err != nil {
		return models.Status{}, err
	}
	if err := st.ActionableIn(c.states); err != nil {
		return models.Status{}, err
	}
	return st, nil
}

// RetireForums renames the learner in the forum service and then advances
// the retirement. A failed rename leaves the state untouched.
func (c *Coordinator) RetireForums(ctx context.Context, username string) (models.Status, error) {
	st, err := c.GetForAction(ctx, username)
	if err != nil {
		return models.Status{}, err
	}
	if err := c.forum.RetireUser(ctx, st.OriginalUsername, st.RetiredUsername); err != nil {
		return models.Status{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "forum retirement failed")
	}
	if err := c.moveNext(ctx, &st, "Forum user retired"); err != nil {
		return models.Status{}, err
	}
	return st, nil
}

// RetireCredentials revokes every passing certificate of the learner. The
// revocations reach the credentials service through the awarding pipeline.
func (c *Coordinator) RetireCredentials(ctx context.Context, username string) (models.Status, error) {
	st, err := c.GetForAction(ctx, username)
	if err != nil {
		return models.Status{}, err
	}
	revoked, err := c.revoker.RevokeAllPassing(ctx, st.LearnerID, revocationReason)
	if err != nil {
		return models.Status{}, fmt.Errorf("revoke certificates: %w", err)
	}
	if err := c.moveNext(ctx, &st, fmt.Sprintf("Revoked %d certificates", revoked)); err != nil {
		return models.Status{}, err
	}
	return st, nil
}

// RetireLMS replaces the learner's username and email with the retired
// values and advances, in one transaction.
func (c *Coordinator) RetireLMS(ctx context.Context, username string) (models.Status, error) {
	st, err := c.GetForAction(ctx, username)
	if err != nil {
		return models.Status{}, err
	}
	err = c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := c.learners.Retire(ctx, st.LearnerID, st.RetiredUsername, st.RetiredEmail); err != nil {
			return translate(err, "learner")
		}
		return c.moveNext(ctx, &st, "Learner account retired")
	})
	if err != nil {
		return models.Status{}, err
	}
	return st, nil
}

// RehashEntry is one retired username whose hash changed.
type RehashEntry struct {
	OriginalUsername string
	OldRetired       string
	NewRetired       string
	Err              error
}

type RehashReport struct {
	Checked int
	Entries []RehashEntry
}

// Failed lists the entries that could not be applied.
func (r RehashReport) Failed() []RehashEntry {
	var out []RehashEntry
	for _, e := range r.Entries {
		if e.Err != nil {
			out = append(out, e)
		}
	}
	return out
}

// RehashRetiredUsernames recomputes every retired username with the current
// salt. Changed names are renamed in the forum first (404 counts as done),
// then the learner row (only if it still holds the old hash) and the status
// row are updated together. With dryRun nothing is written.
func (c *Coordinator) RehashRetiredUsernames(ctx context.Context, dryRun bool) (RehashReport, error) {
	statuses, err := c.store.ListStatuses(ctx)
	if err != nil {
		return RehashReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list retirement statuses")
	}
	report := RehashReport{Checked: len(statuses)}
	for _, st := range statuses {
		next := c.hasher.RetiredUsername(st.OriginalUsername)
		if next == st.RetiredUsername {
			continue
		}
		entry := RehashEntry{OriginalUsername: st.OriginalUsername, OldRetired: st.RetiredUsername, NewRetired: next}
		if !dryRun {
			entry.Err = c.rehash(ctx, st, next)
		}
		report.Entries = append(report.Entries, entry)
		c.logger.InfoContext(ctx, "retired username rehash",
			"original_username", st.OriginalUsername,
			"old_retired_username", st.RetiredUsername,
			"new_retired_username", next,
			"dry_run", dryRun,
			"error", entry.Err,
		)
	}
	return report, nil
}

func (c *Coordinator) rehash(ctx context.Context, st models.Status, next string) error {
	old := st.RetiredUsername
	if err := c.forum.RetireUser(ctx, old, next); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "forum rename failed")
	}
	return c.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := c.learners.UpdateUsernameIfEquals(ctx, st.LearnerID, old, next); err != nil {
			return translate(err, "learner")
		}
		updated := st.Clone()
		updated.RetiredUsername = next
		updated.ModifiedAt = requestcontext.Now(ctx)
		if err := c.store.UpdateStatus(ctx, updated, st.CurrentState); err != nil {
			return translate(err, "retirement status")
		}
		return nil
	})
}

// IsUsernameRetired reports whether a learner carries the retired form of
// username under any configured salt.
func (c *Coordinator) IsUsernameRetired(ctx context.Context, username string) (bool, error) {
	for _, candidate := range c.hasher.AllRetiredUsernames(username) {
		_, err := c.learners.GetByUsername(ctx, candidate)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up learner")
		}
	}
	return false, nil
}

func (c *Coordinator) learner(ctx context.Context, learnerID id.LearnerID) (learners.Learner, error) {
	l, err := c.learners.Get(ctx, learnerID)
	if err != nil {
		return learners.Learner{}, translate(err, "learner")
	}
	return l, nil
}

func (c *Coordinator) status(ctx context.Context, username string) (models.Status, error) {
	st, err := c.store.GetStatusByUsername(ctx, username)
	if err != nil {
		return models.Status{}, translate(err, "retirement status")
	}
	return st, nil
}

func (c *Coordinator) move(ctx context.Context, st *models.Status, newState, response string) error {
	from := st.CurrentState
	if err := st.Advance(c.states, newState, response, requestcontext.Now(ctx)); err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, *st, from); err != nil {
		return translate(err, "retirement status")
	}
	c.logger.InfoContext(ctx, "retirement advanced",
		"learner_id", st.LearnerID.String(),
		"from", from,
		"to", newState,
	)
	return nil
}

// moveNext advances to the next working state, or to the success state once
// the working states are exhausted.
func (c *Coordinator) moveNext(ctx context.Context, st *models.Status, response string) error {
	current, ok := c.states.Find(st.CurrentState)
	if !ok {
		return models.StateError("unknown current state %s", st.CurrentState)
	}
	next := ""
	for _, s := range c.states {
		if s.Order > current.Order && !s.DeadEnd {
			next = s.Name
			break
		}
	}
	if next == "" {
		if _, ok := c.states.Find(models.StateComplete); !ok {
			return models.StateError("no state follows %s", st.CurrentState)
		}
		next = models.StateComplete
	}
	return c.move(ctx, st, next, response)
}

func translate(err error, what string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrStale):
		return dErrors.New(dErrors.CodeConflict, what+" was modified concurrently")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, what+" conflicts with an existing record")
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update "+what)
}
