// Package retention prunes finished processing records and their cost
// entries once they fall outside the accounting horizon.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/gitclaw/internal/config"
	"github.com/stellarlinkco/gitclaw/internal/store"
)

type Alerter interface {
	Alert(msg string)
}

type Service struct {
	store    *store.Store
	alerter  Alerter
	schedule string
	horizon  time.Duration
	cron     *rcron.Cron
	now      func() time.Time
}

func NewService(cfg config.RetentionConfig, st *store.Store, alerter Alerter) *Service {
	return &Service{
		store:    st,
		alerter:  alerter,
		schedule: cfg.Schedule,
		horizon:  time.Duration(cfg.HorizonDays) * 24 * time.Hour,
		now:      time.Now,
	}
}

// SetClock replaces the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Start(ctx context.Context) error {
	s.cron = rcron.New(rcron.WithSeconds())
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunSweep()
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[retention] scheduled sweep %q, horizon %s", s.schedule, s.horizon)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunSweep deletes finished records older than the horizon. Pending,
// deferred, and in-flight records are never touched regardless of age;
// when any unfinished record is older than the horizon an operator alert
// is raised instead.
func (s *Service) RunSweep() {
	res, err := s.store.Sweep(s.now(), s.horizon)
	if err != nil {
		log.Printf("[retention] sweep failed: %v", err)
		return
	}
	log.Printf("[retention] sweep removed %d records, %d cost entries", res.RecordsDeleted, res.EntriesDeleted)
	if res.StaleUnfinished > 0 && s.alerter != nil {
		s.alerter.Alert(fmt.Sprintf("retention sweep found %d unfinished records older than %s; manual review required",
			res.StaleUnfinished, s.horizon))
	}
}
