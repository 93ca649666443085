// Package service drives one submission through compile, run and report.
package service

import (
	"context"
	"fmt"
	"time"

	"ojjudge/internal/common/mq"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/sandbox/observer"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/internal/judge/sandbox/runner"
)

const (
	defaultAcquireTimeout = 2 * time.Second
	defaultEmitAttempts   = 5
	defaultEmitBackoff    = 200 * time.Millisecond
	defaultEmitMaxBackoff = 5 * time.Second
)

// EventSink receives the judge event stream of a submission.
type EventSink interface {
	Emit(ctx context.Context, event model.JudgeEvent) error
}

// ProblemResolver returns limits and ordered test cases of a problem.
type ProblemResolver interface {
	Resolve(ctx context.Context, problemID int64) (model.ProblemLimits, []model.TestCase, error)
}

// StatusWriter moves a submission through its lifecycle.
type StatusWriter interface {
	SetStatus(ctx context.Context, submissionID int64, status model.SubmissionStatus) error
}

// LanguageRegistry resolves the language named on a submission.
type LanguageRegistry interface {
	Lookup(language string) (profile.LanguageSpec, bool)
}

// Service handles judge tasks.
type Service struct {
	runner    runner.Runner
	resolver  ProblemResolver
	sink      EventSink
	status    StatusWriter
	storage   storage.BlobStore
	languages LanguageRegistry
	metrics   observer.MetricsRecorder

	queue         mq.Producer
	retryTopic    string
	deadLetter    string
	poolRetryMax  int
	poolRetryBase time.Duration
	poolRetryMaxD time.Duration

	workRoot       string
	shareWorkDir   bool
	judgeTimeout   time.Duration
	storageTimeout time.Duration
	statusTimeout  time.Duration
	acquireTimeout time.Duration
	emitAttempts   int
	emitBackoff    time.Duration
	sem            chan struct{}
}

// Config holds service dependencies and settings.
type Config struct {
	Runner    runner.Runner
	Resolver  ProblemResolver
	Sink      EventSink
	Status    StatusWriter
	Storage   storage.BlobStore
	Languages LanguageRegistry
	Metrics   observer.MetricsRecorder

	// Queue, RetryTopic and DeadLetterTopic receive messages that found the pool full.
	Queue             mq.Producer
	RetryTopic        string
	DeadLetterTopic   string
	PoolRetryMax      int
	PoolRetryBase     time.Duration
	PoolRetryMaxDelay time.Duration

	WorkRoot string
	// ShareWorkDir opens work dirs to the unprivileged run-as user.
	ShareWorkDir   bool
	WorkerPoolSize int
	JudgeTimeout   time.Duration
	StorageTimeout time.Duration
	StatusTimeout  time.Duration
	AcquireTimeout time.Duration
	EmitAttempts   int
	EmitBackoff    time.Duration
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("problem resolver is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("status writer is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	emitAttempts := cfg.EmitAttempts
	if emitAttempts <= 0 {
		emitAttempts = defaultEmitAttempts
	}
	emitBackoff := cfg.EmitBackoff
	if emitBackoff <= 0 {
		emitBackoff = defaultEmitBackoff
	}
	return &Service{
		runner:         cfg.Runner,
		resolver:       cfg.Resolver,
		sink:           cfg.Sink,
		status:         cfg.Status,
		storage:        cfg.Storage,
		languages:      cfg.Languages,
		metrics:        observer.OrNoop(cfg.Metrics),
		queue:          cfg.Queue,
		retryTopic:     cfg.RetryTopic,
		deadLetter:     cfg.DeadLetterTopic,
		poolRetryMax:   cfg.PoolRetryMax,
		poolRetryBase:  cfg.PoolRetryBase,
		poolRetryMaxD:  cfg.PoolRetryMaxDelay,
		workRoot:       cfg.WorkRoot,
		shareWorkDir:   cfg.ShareWorkDir,
		judgeTimeout:   cfg.JudgeTimeout,
		storageTimeout: cfg.StorageTimeout,
		statusTimeout:  cfg.StatusTimeout,
		acquireTimeout: acquireTimeout,
		emitAttempts:   emitAttempts,
		emitBackoff:    emitBackoff,
		sem:            make(chan struct{}, poolSize),
	}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
