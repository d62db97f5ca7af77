package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/imputeflow/pkg/pipeline"
	"github.com/3leaps/imputeflow/pkg/scheduler"
)

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// schedulerHealthChecker reports whether the scheduler answers queue
// queries for the run.
type schedulerHealthChecker struct {
	client scheduler.Client
	tag    string
}

func (c schedulerHealthChecker) CheckHealth(ctx context.Context) error {
	if c.client == nil {
		return errors.New("scheduler client not initialized")
	}
	if _, err := c.client.QueryState(ctx, scheduler.Filter{NamePrefix: c.tag + "_"}); err != nil {
		return fmt.Errorf("scheduler query: %w", err)
	}
	return nil
}

// runHealthChecker fails once a stage of the run failed.
type runHealthChecker struct {
	tracker *pipeline.Tracker
}

func (c runHealthChecker) CheckHealth(context.Context) error {
	if c.tracker == nil {
		return errors.New("no run attached")
	}
	for _, st := range c.tracker.Snapshot().Stages {
		if st.Status == pipeline.StatusFailed {
			return fmt.Errorf("stage %s failed: %s", st.Stage, st.Reason)
		}
	}
	return nil
}
