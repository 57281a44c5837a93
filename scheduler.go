package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// startCronJob runs fn on a standard 5-field cron expression (minute hour
// day-of-month month day-of-week). An empty schedule disables the job.
// Examples: "0 7 * * *" (daily 7am), "0 7 * * 1-5" (weekdays 7am).
func startCronJob(name, schedule string, fn func()) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		log.Printf("%s schedule disabled (not set)", name)
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid %s schedule '%s': %v, job disabled", name, schedule, err)
		return
	}
	log.Printf("%s scheduled (cron: %s)", name, schedule)

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			log.Printf("Next %s at %s (in %s)", name, next.Format("Mon Jan 2 15:04"), next.Sub(now).Round(time.Minute))
			time.Sleep(next.Sub(now))
			fn()
		}
	}()
}

// StartSchedulers wires the two pipelines onto their cron schedules.
func StartSchedulers(cfg Config, briefer *Briefer, triager *Triager, notifier *Notifier) {
	startCronJob("briefing", cfg.BriefingCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.PipelineDeadline()+time.Minute)
		defer cancel()
		summary, err := briefer.Run(ctx, false)
		if err != nil {
			log.Printf("Scheduled briefing error: %v", err)
			notifier.NotifyFailure("Email briefing", err)
			return
		}
		notifier.NotifyBriefing(summary)
	})

	startCronJob("task triage", cfg.TriageCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.PipelineDeadline()+time.Minute)
		defer cancel()
		summary, err := triager.Run(ctx)
		if err != nil {
			log.Printf("Scheduled triage error: %v", err)
			notifier.NotifyFailure("Task triage", err)
			return
		}
		notifier.NotifyTriage(summary)
	})
}
