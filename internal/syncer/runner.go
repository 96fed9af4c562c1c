package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"rentsync/internal/connectivity"
)

const (
	DefaultStabilizationDelay = time.Second
	DefaultRetrySchedule      = "@every 30s"
)

// Monitor is what the Runner needs from the connectivity monitor.
type Monitor interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Transition, func())
	Run(ctx context.Context)
}

// Runner turns connectivity transitions, enqueue wake-ups and the retry
// schedule into TrySync calls.
type Runner struct {
	coord    *Coordinator
	monitor  Monitor
	delay    time.Duration
	schedule string
	stop     chan struct{}
	once     sync.Once
}

func NewRunner(coord *Coordinator, monitor Monitor, delay time.Duration, schedule string) *Runner {
	if delay <= 0 {
		delay = DefaultStabilizationDelay
	}
	if schedule == "" {
		schedule = DefaultRetrySchedule
	}
	return &Runner{
		coord:    coord,
		monitor:  monitor,
		delay:    delay,
		schedule: schedule,
		stop:     make(chan struct{}),
	}
}

// Start blocks until ctx is done or Stop is called. In-flight cycles are
// waited for before it returns.
func (r *Runner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()
	trigger := func(reason string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sum, ran := r.coord.TrySync(ctx); ran {
				log.Debug().Str("trigger", reason).Int("synced", sum.Synced).Msg("sync triggered")
			}
		}()
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { trigger("schedule") }); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	transitions, unsubscribe := r.monitor.Subscribe()
	defer unsubscribe()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.monitor.Run(ctx)
	}()

	var timer *time.Timer
	var settled <-chan time.Time
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, settled = nil, nil
	}
	arm := func() {
		disarm()
		timer = time.NewTimer(r.delay)
		settled = timer.C
	}
	defer disarm()

	// a queue restored at startup drains once the link looks stable
	if r.monitor.IsOnline() {
		arm()
	}

	log.Info().Dur("stabilization_delay", r.delay).Str("retry_schedule", r.schedule).Msg("sync runner started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if t.Online {
				arm()
			} else {
				disarm()
			}
		case <-settled:
			timer, settled = nil, nil
			trigger("online")
		case <-r.coord.Wake():
			trigger("enqueue")
		}
	}
}

func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
}

// ValidateSchedule reports whether expr is a usable retry schedule.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
