// Package util holds process lifecycle helpers shared by the commands.
package util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage orders shutdown: intake stops before the components it feeds, and
// telemetry flushes last so the shutdown itself is still traced.
type Stage int

const (
	StageIntake Stage = iota * 10
	StageRules
	StageDelivery
	StageBroker
	StageStorage
	StageTelemetry
)

var stageNames = map[Stage]string{
	StageIntake:    "intake",
	StageRules:     "rules",
	StageDelivery:  "delivery",
	StageBroker:    "broker",
	StageStorage:   "storage",
	StageTelemetry: "telemetry",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StopFunc releases one resource. It should return once ctx is done.
type StopFunc func(ctx context.Context) error

// ErrStopTimeout marks a resource that was still stopping, or never started
// stopping, when the shutdown deadline passed.
var ErrStopTimeout = errors.New("shutdown deadline exceeded")

// ResourceError reports why one resource did not stop cleanly.
type ResourceError struct {
	Resource string
	Stage    Stage
	Err      error
	Panic    interface{}
}

func (e *ResourceError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s (%s): panic: %v", e.Resource, e.Stage, e.Panic)
	}
	return fmt.Sprintf("%s (%s): %v", e.Resource, e.Stage, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

type resource struct {
	name  string
	stage Stage
	stop  StopFunc
}

// GracefulShutdown stops registered resources one at a time, stage by stage,
// under a single deadline. Resources of the same stage stop in registration
// order.
type GracefulShutdown struct {
	mu        sync.Mutex
	resources []resource
	logger    *logrus.Logger
	timeout   time.Duration
}

// NewGracefulShutdown returns an empty shutdown sequence. A non-positive
// timeout means 30 seconds.
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{logger: logger, timeout: timeout}
}

// Register adds a resource to the sequence.
func (gs *GracefulShutdown) Register(name string, stage Stage, stop StopFunc) {
	gs.mu.Lock()
	gs.resources = append(gs.resources, resource{name: name, stage: stage, stop: stop})
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].stage < gs.resources[j].stage
	})
	gs.mu.Unlock()

	gs.logger.WithFields(logrus.Fields{
		"resource": name,
		"stage":    stage.String(),
	}).Debug("Resource registered for shutdown")
}

// RegisterCloser adds an io.Closer.
func (gs *GracefulShutdown) RegisterCloser(name string, stage Stage, closer io.Closer) {
	gs.Register(name, stage, func(context.Context) error { return closer.Close() })
}

// RegisterFunc adds a stop function that cannot fail.
func (gs *GracefulShutdown) RegisterFunc(name string, stage Stage, stop func()) {
	gs.Register(name, stage, func(context.Context) error {
		stop()
		return nil
	})
}

// Len returns the number of resources still registered.
func (gs *GracefulShutdown) Len() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.resources)
}

// Shutdown stops every registered resource and empties the sequence, so a
// second call is a no-op. A failing or panicking resource does not keep the
// next one from running; once the deadline passes every remaining resource
// is reported with ErrStopTimeout. The result joins one *ResourceError per
// failure.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	pending := gs.resources
	gs.resources = nil
	gs.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	started := time.Now()
	gs.logger.WithField("resources", len(pending)).Info("Shutting down")

	var failures []error
	for _, res := range pending {
		if err := gs.stopOne(ctx, res); err != nil {
			gs.logger.WithError(err).WithField("resource", res.name).Warn("Resource did not stop cleanly")
			failures = append(failures, err)
		}
	}

	gs.logger.WithFields(logrus.Fields{
		"failures":    len(failures),
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("Shutdown finished")
	return errors.Join(failures...)
}

func (gs *GracefulShutdown) stopOne(ctx context.Context, res resource) error {
	if ctx.Err() != nil {
		return &ResourceError{Resource: res.name, Stage: res.stage, Err: ErrStopTimeout}
	}

	started := time.Now()
	result := make(chan *ResourceError, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- &ResourceError{Resource: res.name, Stage: res.stage, Panic: p}
			}
		}()
		if err := res.stop(ctx); err != nil {
			result <- &ResourceError{Resource: res.name, Stage: res.stage, Err: err}
			return
		}
		result <- nil
	}()

	select {
	case rerr := <-result:
		if rerr != nil {
			return rerr
		}
		gs.logger.WithFields(logrus.Fields{
			"resource":    res.name,
			"stage":       res.stage.String(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Debug("Resource stopped")
		return nil
	case <-ctx.Done():
		return &ResourceError{Resource: res.name, Stage: res.stage, Err: ErrStopTimeout}
	}
}
