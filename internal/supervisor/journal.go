package supervisor

import (
	"context"
	"time"

	"tender/internal/history"
)

// Journal records spawn lifecycle transitions. *history.Store implements it.
type Journal interface {
	Begin(ctx context.Context, start history.SpawnStart) (int64, error)
	MarkReady(ctx context.Context, id int64, at time.Time) error
	SetWorkerPID(ctx context.Context, id int64, pid int) error
	Finish(ctx context.Context, id int64, state history.State, code int, at time.Time) error
}

type nopJournal struct{}

func (nopJournal) Begin(context.Context, history.SpawnStart) (int64, error) { return 0, nil }

func (nopJournal) MarkReady(context.Context, int64, time.Time) error { return nil }

func (nopJournal) SetWorkerPID(context.Context, int64, int) error { return nil }

func (nopJournal) Finish(context.Context, int64, history.State, int, time.Time) error { return nil }

var _ Journal = (*history.Store)(nil)
