package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"testbed/internal/logging"
	"testbed/pkg/cloud"
	"testbed/pkg/models"
	"testbed/pkg/storage"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned by Start when the watch loop is running
var ErrAlreadyRunning = errors.New("monitor already running")

// TransitionKind describes how an instance changed between two listings
type TransitionKind string

const (
	Appeared TransitionKind = "appeared"
	Changed  TransitionKind = "changed"
	Vanished TransitionKind = "vanished"
)

// Transition is a change observed between two consecutive listings
type Transition struct {
	Kind       TransitionKind
	InstanceID string
	Region     string
	From       models.InstanceStatus
	To         models.InstanceStatus
}

// Options configures a Monitor
type Options struct {
	// Interval between two listings of the watch loop. Defaults to 30s.
	Interval time.Duration
	// PollInterval between two listings while waiting. Defaults to 5s.
	PollInterval time.Duration
	// Storage receives a snapshot after every listing. Optional.
	Storage *storage.FileStorage
	Logger  *logrus.Logger
}

// Monitor watches the fleet of one provider. Provider listings are
// eventually consistent, so callers that need a change to be visible wait
// for it here.
type Monitor struct {
	provider     cloud.CloudProvider
	storage      *storage.FileStorage
	interval     time.Duration
	pollInterval time.Duration
	logger       *logrus.Entry

	mutex  sync.Mutex
	last   map[string]models.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for provider
func New(provider cloud.CloudProvider, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	return &Monitor{
		provider:     provider,
		storage:      opts.Storage,
		interval:     opts.Interval,
		pollInterval: opts.PollInterval,
		logger:       logging.Component(opts.Logger, "monitor").WithField("provider", provider.Name()),
	}
}

// Start begins the watch loop. It lists once right away.
func (m *Monitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.logger.WithField("interval", m.interval).Info("Starting fleet monitor")
	go m.run(ctx, m.done)
	return nil
}

// Stop ends the watch loop and waits for it to return
func (m *Monitor) Stop() {
	m.mutex.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mutex.Unlock()

	if cancel == nil {
		return
	}
	m.logger.Info("Stopping fleet monitor")
	cancel()
	<-done
}

// run is the main watch loop
func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Warn("Failed to list instances")
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Fleet monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce lists the fleet, logs every transition since the previous
// listing and stores a snapshot
func (m *Monitor) RunOnce(ctx context.Context) ([]Transition, error) {
	instances, err := m.provider.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]models.Instance, len(instances))
	for _, instance := range instances {
		current[instance.ID] = instance
	}

	m.mutex.Lock()
	previous := m.last
	m.last = current
	m.mutex.Unlock()

	transitions := diff(previous, current)
	for _, transition := range transitions {
		logger := m.logger.WithFields(logrus.Fields{
			"instance_id": transition.InstanceID,
			"region":      transition.Region,
			"status":      transition.To,
		})
		switch transition.Kind {
		case Appeared:
			logger.Info("Instance appeared")
		case Changed:
			logger.WithField("old_status", transition.From).Info("Instance status changed")
		case Vanished:
			logger.Info("Instance vanished")
		}
	}

	if m.storage != nil {
		if err := m.storage.SaveSnapshot(m.provider.Name(), m.provider.Username(), instances); err != nil {
			m.logger.WithError(err).Error("Failed to store fleet snapshot")
		}
	}

	m.logger.WithFields(logrus.Fields{
		"instance_count":   len(instances),
		"transition_count": len(transitions),
	}).Debug("Processed fleet listing")
	return transitions, nil
}

// diff reports the transitions from previous to current, ordered by id.
// A nil previous means nothing was seen before.
func diff(previous, current map[string]models.Instance) []Transition {
	var transitions []Transition

	for id, instance := range current {
		old, seen := previous[id]
		switch {
		case !seen:
			transitions = append(transitions, Transition{
				Kind: Appeared, InstanceID: id, Region: instance.Region,
				From: instance.Status, To: instance.Status,
			})
		case old.Status != instance.Status:
			transitions = append(transitions, Transition{
				Kind: Changed, InstanceID: id, Region: instance.Region,
				From: old.Status, To: instance.Status,
			})
		}
	}
	for id, old := range previous {
		if _, ok := current[id]; !ok {
			transitions = append(transitions, Transition{
				Kind: Vanished, InstanceID: id, Region: old.Region,
				From: old.Status, To: models.Terminated,
			})
		}
	}

	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].InstanceID < transitions[j].InstanceID
	})
	return transitions
}

// WaitForStatus polls the listing until every id is listed with status and
// returns those instances in the order of ids
func (m *Monitor) WaitForStatus(ctx context.Context, ids []string, status models.InstanceStatus) ([]models.Instance, error) {
	var matched []models.Instance

	err := m.poll(ctx, func(listed map[string]models.Instance) []string {
		matched = matched[:0]
		var pending []string
		for _, id := range ids {
			instance, ok := listed[id]
			if !ok || instance.Status != status {
				pending = append(pending, id)
				continue
			}
			matched = append(matched, instance)
		}
		return pending
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", status, err)
	}
	return matched, nil
}

// WaitForDeletion polls the listing until no id is listed anymore, or
// listed as terminated
func (m *Monitor) WaitForDeletion(ctx context.Context, ids []string) error {
	err := m.poll(ctx, func(listed map[string]models.Instance) []string {
		var pending []string
		for _, id := range ids {
			if instance, ok := listed[id]; ok && !instance.IsTerminated() {
				pending = append(pending, id)
			}
		}
		return pending
	})
	if err != nil {
		return fmt.Errorf("waiting for deletion: %w", err)
	}
	return nil
}

// poll lists until check reports no pending ids. Listing errors other than
// rejected credentials are retried.
func (m *Monitor) poll(ctx context.Context, check func(map[string]models.Instance) []string) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var pending []string
	for {
		instances, err := m.provider.ListInstances(ctx)
		switch {
		case cloud.IsUnauthorized(err):
			return err
		case err != nil:
			m.logger.WithError(err).Debug("Listing failed while waiting, retrying")
		default:
			listed := make(map[string]models.Instance, len(instances))
			for _, instance := range instances {
				listed[instance.ID] = instance
			}
			if pending = check(listed); len(pending) == 0 {
				return nil
			}
			m.logger.WithField("pending", pending).Debug("Waiting for instances")
		}

		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				return fmt.Errorf("instances %v: %w", pending, ctx.Err())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
