package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/sitecrew-backend/internal/jobs"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

type pingFunc func(context.Context) error

type jobRunner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger  *logger.Logger
	Worker  jobRunner
	Queue   *jobs.Repository
	Readies map[string]pingFunc
}

// Service checks dependencies once and then drives the job worker.
type Service struct {
	logg    *logger.Logger
	worker  jobRunner
	queue   *jobs.Repository
	readies map[string]pingFunc
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Worker == nil {
		return nil, errors.New("job worker is required")
	}
	return &Service{
		logg:    params.Logger,
		worker:  params.Worker,
		queue:   params.Queue,
		readies: params.Readies,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, ping := range s.readies {
		if ping == nil {
			continue
		}
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func (s *Service) logBacklog(ctx context.Context) {
	if s.queue == nil {
		return
	}
	counts, err := s.queue.CountByStatus(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "job backlog unavailable")
		return
	}
	fields := make(map[string]any, len(counts))
	for status, n := range counts {
		fields["jobs_"+string(status)] = n
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "job backlog")
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	s.logBacklog(ctx)

	err := s.worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logg.Error(ctx, "job worker stopped unexpectedly", err)
		return err
	}
	s.logg.Info(ctx, "worker context canceled")
	return ctx.Err()
}
