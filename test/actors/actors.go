package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"eventportal/auth"
	"eventportal/review"
	"eventportal/session"
)

// Database errors other than the invariant checks below are expected while
// chaos is terminating backends, so actors shrug them off and keep going.

var decisions = []string{"accept", "reject", "pending", "pending"}

// Reviewer drives one administrator through claims, direct fetches,
// decisions, re-logins and beacons.
type Reviewer struct {
	Identity auth.Identity
	Reviews  *review.Service
	Sessions *session.Registry
	Ledger   *Ledger
	AppIDs   []string

	reviewerID string
	token      string
	held       map[string]struct{}
}

func (r *Reviewer) Run(ctx context.Context, stop <-chan struct{}) error {
	r.held = map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var err error
		switch n := rand.Intn(20); {
		case r.token == "" || n == 0:
			r.login(ctx)
		case len(r.held) > 3 || n < 8:
			err = r.decide(ctx)
		case n < 14:
			err = r.next(ctx)
		case n < 17:
			err = r.open(ctx)
		case n < 19:
			err = r.authorize(ctx)
		default:
			err = r.beacon(ctx)
		}
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

func (r *Reviewer) dropAll() {
	if r.reviewerID != "" {
		r.Ledger.ReleaseAll(r.reviewerID)
	}
	clear(r.held)
}

// login re-authenticates, which releases every lock this reviewer holds. An
// ambiguous failure leaves the token unknown until the next success.
func (r *Reviewer) login(ctx context.Context) {
	r.dropAll()
	res, err := r.Sessions.AuthenticateAdmin(ctx, r.Identity)
	if err != nil {
		r.token = ""
		return
	}
	r.reviewerID, r.token = res.ReviewerID, res.Token
}

func (r *Reviewer) next(ctx context.Context) error {
	app, err := r.Reviews.Next(ctx, r.reviewerID)
	if err != nil {
		return nil
	}
	if err := r.Ledger.Claim(app.ID, r.reviewerID); err != nil {
		return err
	}
	r.held[app.ID] = struct{}{}
	return nil
}

func (r *Reviewer) decide(ctx context.Context) error {
	for id := range r.held {
		r.Ledger.Release(id, r.reviewerID)
		delete(r.held, id)

		_, err := r.Reviews.Decide(ctx, id, r.reviewerID, decisions[rand.Intn(len(decisions))])
		if errors.Is(err, review.ErrLockNotHeld) {
			return fmt.Errorf("reviewer %s lost its lock on %s", r.reviewerID, id)
		}
		return nil
	}
	return r.next(ctx)
}

func (r *Reviewer) open(ctx context.Context) error {
	id := r.AppIDs[rand.Intn(len(r.AppIDs))]
	view, err := r.Reviews.Open(ctx, id, r.reviewerID)
	if err != nil || view.LockedByOther || view.LockedBy == nil || *view.LockedBy != r.reviewerID {
		return nil
	}
	if err := r.Ledger.Claim(id, r.reviewerID); err != nil {
		return err
	}
	r.held[id] = struct{}{}

	if rand.Intn(2) == 0 {
		r.Ledger.Release(id, r.reviewerID)
		delete(r.held, id)
		_, _ = r.Reviews.ReleaseLock(ctx, id, r.reviewerID)
	}
	return nil
}

func (r *Reviewer) authorize(ctx context.Context) error {
	_, err := r.Sessions.Authorize(ctx, r.Identity.Subject, r.token)
	if errors.Is(err, session.ErrInvalid) {
		return fmt.Errorf("reviewer %s: current session token rejected", r.reviewerID)
	}
	return nil
}

func (r *Reviewer) beacon(ctx context.Context) error {
	r.dropAll()
	res, err := r.Sessions.ReleaseByToken(ctx, r.token)
	if err != nil {
		return nil
	}
	if res.Status != session.BeaconReleased {
		return fmt.Errorf("reviewer %s: beacon with current token returned %q", r.reviewerID, res.Status)
	}
	return nil
}

// Reader polls the dashboard queries while reviews are in flight.
func Reader(ctx context.Context, reviews *review.Service, reviewerID string, stop <-chan struct{}) error {
	searches := []string{"", "ada", "university", "2027"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = reviews.Stats(ctx, reviewerID)
		_, _ = reviews.List(ctx, review.Filters{Search: searches[rand.Intn(len(searches))]})
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
