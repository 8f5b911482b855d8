package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// Janitor prunes dead-lettered jobs older than the retention window on a
// cron schedule ("@every 1h", "0 3 * * *", ...).
type Janitor struct {
	backend   Backend
	queues    []string
	retention time.Duration
	spec      string
	c         *cron.Cron
	now       func() time.Time
}

func NewJanitor(backend Backend, spec string, retention time.Duration, queues ...string) *Janitor {
	return &Janitor{
		backend:   backend,
		queues:    queues,
		retention: retention,
		spec:      spec,
		now:       time.Now,
	}
}

func (j *Janitor) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j.c = cron.New(cron.WithParser(parser))
	if _, err := j.c.AddFunc(j.spec, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.spec, err)
	}
	j.c.Start()
	logger.Infof("Dead-letter janitor scheduled (%s, retention %v)", j.spec, j.retention)
	return nil
}

func (j *Janitor) Stop() {
	if j.c == nil {
		return
	}
	<-j.c.Stop().Done()
}

// Sweep runs one pruning pass and returns how many jobs were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := j.now().Add(-j.retention)
	total := 0
	for _, q := range j.queues {
		n, err := j.backend.PruneDead(ctx, q, cutoff)
		if err != nil {
			logger.Errorf("Failed to prune dead letters for %s: %v", q, err)
			continue
		}
		if n > 0 {
			logger.Infof("Pruned %d dead-lettered %s jobs", n, q)
		}
		total += n
	}
	return total
}
