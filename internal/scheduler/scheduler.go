// Package scheduler provides cron-based background scheduling for ZapMentor.
//
// Its main job is the daily credential renewal check; anything periodic
// (engagement digests, cleanup) hangs off the same scheduler.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DailyRenewalSpec runs the credential renewal check at 03:00 every day.
const DailyRenewalSpec = "0 3 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// RenewFunc runs one credential renewal check.
type RenewFunc func(ctx context.Context) error

// ScheduleTokenRenewal registers the daily credential renewal job.
func (s *Scheduler) ScheduleTokenRenewal(renew RenewFunc) error {
	return s.AddJob(DailyRenewalSpec, func() {
		if err := renew(context.Background()); err != nil {
			slog.Error("Scheduler: token renewal failed", "error", err)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
