// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package services

import (
	"context"
	"fmt"
)

// StartStopper is a component with its own goroutines behind Start/Stop,
// such as netmon.Monitor and store.Housekeeper.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// StartStopService adapts a StartStopper to suture's Serve pattern: Start,
// wait for cancellation, Stop. Stop blocks until the component's goroutines
// have exited.
type StartStopService struct {
	component StartStopper
	name      string
}

// NewStartStopService wraps component under name.
func NewStartStopService(name string, component StartStopper) *StartStopService {
	return &StartStopService{component: component, name: name}
}

// Serve implements suture.Service. A Start error is returned so suture
// restarts the service with backoff.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}
	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

func (s *StartStopService) String() string {
	return s.name
}

// RunService adapts a blocking run function, such as engine.Serve or
// stream.Client.Run, and gives it a name for supervisor logs.
type RunService struct {
	run  func(ctx context.Context) error
	name string
}

// NewRunService wraps run under name.
func NewRunService(name string, run func(ctx context.Context) error) *RunService {
	return &RunService{run: run, name: name}
}

// Serve implements suture.Service.
func (s *RunService) Serve(ctx context.Context) error {
	if err := s.run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *RunService) String() string {
	return s.name
}
