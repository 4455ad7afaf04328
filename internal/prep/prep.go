// Package prep gets each school day ready before the gate opens: every
// class gets its sheet and stale guardian passes are removed.
package prep

import (
	"context"
	"time"

	"schoolgate/internal/attendance"
	"schoolgate/internal/domain"
	"schoolgate/internal/logging"
	"schoolgate/internal/repository"
	"schoolgate/internal/schoolday"
)

// PassRetention is how long an expired pass is kept so a late scan still
// reports it as expired rather than unknown.
const PassRetention = 24 * time.Hour

// DefaultInterval is used when Run is given a non-positive interval.
const DefaultInterval = time.Minute

type Preparer struct {
	tx     repository.TxManager
	cal    *schoolday.Calendar
	ledger *attendance.Ledger
	log    logging.Logger
}

func New(tx repository.TxManager, cal *schoolday.Calendar, ledger *attendance.Ledger, log logging.Logger) *Preparer {
	return &Preparer{tx: tx, cal: cal, ledger: ledger, log: log}
}

// Report summarizes one pass.
type Report struct {
	Date          string
	SheetsCreated int
	SheetsFailed  int
	PassesPurged  int64
}

// RunOnce prepares today. A class whose sheet fails is logged and skipped.
func (p *Preparer) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{Date: p.cal.Today()}

	var classes []domain.ClassRoster
	err := p.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		classes, err = r.Classes.List(ctx)
		return err
	})
	if err != nil {
		return rep, domain.Wrap(err)
	}

	for _, c := range classes {
		_, created, err := p.ledger.GetOrCreateSheet(ctx, c.ID, rep.Date)
		if err != nil {
			rep.SheetsFailed++
			p.log.Warnf("prepare sheet %s/%s: %v", c.ID, rep.Date, err)
			continue
		}
		if created {
			rep.SheetsCreated++
		}
	}

	err = p.tx.WithTx(ctx, func(ctx context.Context, r repository.Repos) error {
		var err error
		rep.PassesPurged, err = r.Passes.PurgeExpired(ctx, p.cal.Now().Add(-PassRetention))
		return err
	})
	if err != nil {
		return rep, domain.Wrap(err)
	}
	return rep, nil
}

// Run calls RunOnce now and then every interval until ctx is done.
func (p *Preparer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := p.RunOnce(ctx)
		if err != nil {
			p.log.Errorf("school day preparation failed: %v", err)
		} else if rep.SheetsCreated > 0 || rep.PassesPurged > 0 {
			p.log.Infof("prepared %s: %d sheets created, %d passes purged", rep.Date, rep.SheetsCreated, rep.PassesPurged)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
