package workers

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts 5-field and 6-field (with seconds) specs as well as
// descriptors such as "@hourly" and "@every 10m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one periodic job. A job is created stopped; Start begins its
// schedule and Stop cancels future firings without waiting for a run in
// progress.
type Job interface {
	Name() string
	Start() error
	Stop() error
}

// JobFactory creates a stopped job that calls run on spec.
type JobFactory func(name, spec string, run func()) (Job, error)

// ParseSchedule validates a cron spec with CronParser.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return CronParser.Parse(spec)
}

// NewCronJob is the default JobFactory. Each job owns a robfig cron runner
// anchored in UTC. Start also fires one run immediately.
func NewCronJob(name, spec string, run func()) (Job, error) {
	c := cron.New(cron.WithParser(CronParser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, run); err != nil {
		return nil, fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	return &cronJob{name: name, c: c, run: run}, nil
}

type cronJob struct {
	name string
	c    *cron.Cron
	run  func()

	mu      sync.Mutex
	started bool
}

func (j *cronJob) Name() string { return j.name }

func (j *cronJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return fmt.Errorf("job %s already started", j.name)
	}
	j.c.Start()
	j.started = true
	go j.run()
	return nil
}

func (j *cronJob) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		return nil
	}
	// The returned context tracks in-flight runs; they are left to finish.
	_ = j.c.Stop()
	j.started = false
	return nil
}
