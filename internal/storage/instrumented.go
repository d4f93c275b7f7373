package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/faultline-io/faultline/internal/chaos"
	"github.com/faultline-io/faultline/internal/metrics"
	"github.com/faultline-io/faultline/internal/model"
)

const usersTable = "users"

// Instrumented decorates a Store with, per call: chaos consultation for
// the database service, a client span, query timing into both metric
// tiers, and a circuit breaker that opens under sustained failure the way
// a real dependency outage would.
type Instrumented struct {
	store    Store
	chaos    *chaos.Engine
	recorder *metrics.Recorder
	tracer   trace.Tracer
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewInstrumented wraps store. engine and recorder must be non-nil.
func NewInstrumented(store Store, engine *chaos.Engine, recorder *metrics.Recorder, logger *slog.Logger) *Instrumented {
	settings := gobreaker.Settings{
		Name:    "database",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Missing rows and duplicate emails are completed round trips, not
		// dependency failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmailTaken)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage: circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Instrumented{
		store:    store,
		chaos:    engine,
		recorder: recorder,
		tracer:   otel.Tracer("storage"),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// BreakerState reports the circuit breaker's current state.
func (s *Instrumented) BreakerState() string {
	return s.breaker.State().String()
}

func (s *Instrumented) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	var out model.User
	err := s.do(ctx, "insert", func(ctx context.Context) error {
		var err error
		out, err = s.store.CreateUser(ctx, user)
		return err
	})
	return out, err
}

func (s *Instrumented) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var out model.User
	err := s.do(ctx, "select", func(ctx context.Context) error {
		var err error
		out, err = s.store.GetUser(ctx, id)
		return err
	})
	return out, err
}

func (s *Instrumented) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var out model.User
	err := s.do(ctx, "select", func(ctx context.Context) error {
		var err error
		out, err = s.store.GetUserByEmail(ctx, email)
		return err
	})
	return out, err
}

func (s *Instrumented) ListUsers(ctx context.Context, limit, offset int) ([]model.User, int, error) {
	var (
		out   []model.User
		total int
	)
	err := s.do(ctx, "select", func(ctx context.Context) error {
		var err error
		out, total, err = s.store.ListUsers(ctx, limit, offset)
		return err
	})
	return out, total, err
}

func (s *Instrumented) UpdateUser(ctx context.Context, id uuid.UUID, update model.UpdateUserRequest) (model.User, error) {
	var out model.User
	err := s.do(ctx, "update", func(ctx context.Context) error {
		var err error
		out, err = s.store.UpdateUser(ctx, id, update)
		return err
	})
	return out, err
}

func (s *Instrumented) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.do(ctx, "delete", func(ctx context.Context) error {
		return s.store.DeleteUser(ctx, id)
	})
}

// Ping bypasses chaos, metrics, and the breaker: health checks must report
// the real dependency state.
func (s *Instrumented) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Instrumented) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}

// do runs one datastore operation with the full decoration stack.
func (s *Instrumented) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", usersTable),
		),
	)
	defer span.End()

	start := time.Now()
	_, err := s.breaker.Execute(func() (any, error) {
		// Chaos applies inside the breaker so sustained injection trips it
		// like a real outage.
		if armed := s.chaos.ArmedDatabaseError(); armed != nil {
			return nil, armed
		}
		s.chaos.InjectLatency(ctx, chaos.ServiceDatabase)
		if s.chaos.InjectRandomFailure(ctx, chaos.ServiceDatabase) {
			return nil, &chaos.DatabaseError{
				Kind:    chaos.KindInjectedFailure,
				Message: "storage: injected random failure",
			}
		}
		return nil, fn(ctx)
	})
	elapsed := time.Since(start).Seconds()

	if ferr := failure(err); ferr != nil {
		span.RecordError(ferr)
		span.SetStatus(codes.Error, ferr.Error())
	}
	// Observability must never change the call's outcome; the recorder
	// validates and drops internally.
	s.recorder.RecordDatabaseQuery(ctx, operation, usersTable, elapsed, failure(err))

	return err
}

// failure filters expected business outcomes out of failure accounting.
func failure(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmailTaken) {
		return nil
	}
	return err
}
