package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/sentinelgate/internal/audit"
	"github.com/mbd888/sentinelgate/internal/logging"
	"github.com/mbd888/sentinelgate/internal/score"
	"github.com/mbd888/sentinelgate/internal/signals"
	"github.com/mbd888/sentinelgate/internal/syncutil"
	"github.com/mbd888/sentinelgate/internal/tier"
	"github.com/mbd888/sentinelgate/internal/traces"
	"github.com/mbd888/sentinelgate/internal/tuning"
)

// Forwarder sends an admitted prompt to the generation backend.
type Forwarder interface {
	Forward(ctx context.Context, userID, prompt string) (string, error)
}

// Recorder receives audit entries. Implementations must not block.
type Recorder interface {
	RecordQuery(e audit.QueryEntry)
	RecordThreat(e audit.ThreatEntry)
}

// Publisher receives live decision and verification events.
type Publisher interface {
	Publish(eventType string, data map[string]any)
}

// Event types sent to the Publisher.
const (
	EventDecision     = "decision"
	EventThreat       = "threat"
	EventVerification = "verification"
)

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sends decisions to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// Service implements admission business logic.
type Service struct {
	store     UserStore
	tuning    *tuning.Holder
	forwarder Forwarder
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger
	locks     *syncutil.KeyedMutex
	now       func() time.Time

	pipe atomic.Pointer[pipeline]
}

// pipeline is the scoring chain built for one tuning snapshot.
type pipeline struct {
	params     *tuning.Params
	extractor  *signals.Extractor
	engine     *score.Engine
	classifier tier.Classifier
}

// NewService creates a new admission service.
func NewService(store UserStore, params *tuning.Holder, forwarder Forwarder, recorder Recorder, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		tuning:    params,
		forwarder: forwarder,
		recorder:  recorder,
		logger:    logger,
		locks:     syncutil.NewKeyedMutex(),
		now:       time.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) pipeline() *pipeline {
	p := s.tuning.Get()
	if cur := s.pipe.Load(); cur != nil && cur.params == p {
		return cur
	}
	next := &pipeline{
		params:     p,
		extractor:  signals.NewExtractor(p),
		engine:     score.NewEngine(p),
		classifier: tier.NewClassifier(p),
	}
	s.pipe.Store(next)
	return next
}

// decision is what Admit commits under the user lock.
type decision struct {
	update     score.Update
	tier       tier.Tier
	attackType string
	at         time.Time
}

// Admit scores one prompt, persists the new user state and, when the user
// is allowed through, forwards the prompt downstream.
func (s *Service) Admit(ctx context.Context, userID, prompt string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "admission.Admit", traces.UserID(userID))
	defer span.End()

	if err := (signals.Request{UserID: userID, Prompt: prompt}).Validate(); err != nil {
		outcomesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	ctx = logging.WithUser(ctx, userID)
	start := time.Now()

	d, err := s.decide(ctx, userID, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	admitLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Tier(string(d.tier)), traces.Score(d.update.Current))

	s.record(userID, prompt, d)
	s.publish(userID, d)

	result := &Result{Tier: d.tier, Update: d.update, AttackType: d.attackType}
	switch d.tier {
	case tier.Block:
		result.Reason = ReasonBlocked
	case tier.Throttle:
		result.Reason = ReasonThrottled
	}
	if d.tier.Rejected() {
		outcomesTotal.WithLabelValues("rejected").Inc()
		span.SetAttributes(traces.AttackType(d.attackType))
		logging.L(ctx).Warn("request rejected",
			"tier", d.tier, "score", d.update.Current, "attack_type", d.attackType)
		return result, nil
	}

	response, err := s.forwarder.Forward(ctx, userID, prompt)
	if err != nil {
		span.RecordError(err)
		// The decision is committed either way. A caller that left is not
		// a downstream fault.
		if cause := ctx.Err(); cause != nil {
			outcomesTotal.WithLabelValues("canceled").Inc()
			logging.L(ctx).Info("caller gone before downstream answered", "error", err)
			return nil, fmt.Errorf("%w: %w", cause, err)
		}
		outcomesTotal.WithLabelValues("forward_failed").Inc()
		logging.L(ctx).Error("forward failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDownstreamUnavailable, err)
	}
	outcomesTotal.WithLabelValues("forwarded").Inc()
	result.Response = response
	return result, nil
}

// decide runs extract, score and classify under the user lock and commits
// the new state, retrying on version conflicts.
func (s *Service) decide(ctx context.Context, userID, prompt string) (*decision, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		outcomesTotal.WithLabelValues("canceled").Inc()
		return nil, err
	}
	defer unlock()

	p := s.pipeline()
	arrival := s.now()
	req := signals.Request{UserID: userID, Prompt: prompt, Arrival: arrival}

	// Once the lock is held the commit runs to completion even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)

	for attempt := 1; attempt <= p.params.MaxUpsertAttempts; attempt++ {
		state, err := s.loadOrCreate(ctx, userID, arrival)
		if err != nil {
			outcomesTotal.WithLabelValues("storage_failed").Inc()
			return nil, err
		}

		vec, nextRate, err := p.extractor.Extract(req, state.history())
		if err != nil {
			return nil, err
		}
		upd := p.engine.Update(state.SuspicionScore, vec, state.IsHumanVerified)
		t := p.classifier.Classify(upd.Current)

		next := state.Clone()
		next.SuspicionScore = upd.Current
		next.RateEstimate = nextRate
		next.remember(signals.Prompt{Text: prompt, At: arrival}, p.params.HistorySize)

		err = s.store.UpsertUser(ctx, next, state.Version)
		if errors.Is(err, ErrVersionConflict) {
			versionConflicts.Inc()
			logging.L(ctx).Debug("version conflict, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			outcomesTotal.WithLabelValues("storage_failed").Inc()
			logging.L(ctx).Error("persist user failed", "error", err)
			return nil, storageErr(err)
		}

		decisionsTotal.WithLabelValues(string(t)).Inc()
		scoreDistribution.Observe(upd.Current)
		return &decision{
			update:     upd,
			tier:       t,
			attackType: attackType(vec, p.params.Weights),
			at:         arrival,
		}, nil
	}

	outcomesTotal.WithLabelValues("storage_failed").Inc()
	return nil, fmt.Errorf("%w: %d version conflicts", ErrStorageUnavailable, p.params.MaxUpsertAttempts)
}

func (s *Service) loadOrCreate(ctx context.Context, userID string, now time.Time) (*UserState, error) {
	state, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return newUser(userID, now), nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return state, nil
}

func attackType(v signals.Vector, w tuning.Weights) string {
	kind, ok := v.Dominant(w)
	if !ok {
		return "elevated_score"
	}
	return kind.AttackType()
}

func (s *Service) record(userID, prompt string, d *decision) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordQuery(audit.QueryEntry{
		UserID:       userID,
		Prompt:       prompt,
		ResponseType: audit.ResponseTypeFor(d.tier),
		ScoreBefore:  d.update.Previous,
		ScoreAfter:   d.update.Current,
		Tier:         d.tier,
		Signals:      d.update.Signals,
		Timestamp:    d.at,
	})
	if d.tier.Rejected() {
		s.recorder.RecordThreat(audit.ThreatEntry{
			UserID:     userID,
			AttackType: d.attackType,
			Score:      d.update.Current,
			Tier:       d.tier,
			Timestamp:  d.at,
		})
	}
}

func (s *Service) publish(userID string, d *decision) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(EventDecision, map[string]any{
		"userId":  userID,
		"tier":    string(d.tier),
		"score":   d.update.Current,
		"delta":   d.update.Delta,
		"signals": d.update.Signals,
	})
	if d.tier.Rejected() {
		s.publisher.Publish(EventThreat, map[string]any{
			"userId":     userID,
			"tier":       string(d.tier),
			"attackType": d.attackType,
		})
	}
}

// VerifyUser records a completed human verification: the user is marked
// verified and the score is lowered to the configured floor. Unseen users
// are created.
func (s *Service) VerifyUser(ctx context.Context, userID string) (*UserState, error) {
	ctx, span := traces.StartSpan(ctx, "admission.VerifyUser", traces.UserID(userID))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, signals.ErrInvalidInput
	}

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := s.pipeline()
	now := s.now()
	ctx = context.WithoutCancel(ctx)

	for attempt := 1; attempt <= p.params.MaxUpsertAttempts; attempt++ {
		state, err := s.loadOrCreate(ctx, userID, now)
		if err != nil {
			return nil, err
		}

		next := state.Clone()
		next.IsHumanVerified = true
		next.SuspicionScore = score.Reset(state.SuspicionScore, p.params.VerifyFloor)
		next.VerifiedAt = &now

		err = s.store.UpsertUser(ctx, next, state.Version)
		if errors.Is(err, ErrVersionConflict) {
			versionConflicts.Inc()
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, storageErr(err)
		}

		verificationsTotal.Inc()
		s.logger.Info("user verified", "user_id", userID,
			"previous_score", state.SuspicionScore, "score", next.SuspicionScore)
		if s.publisher != nil {
			s.publisher.Publish(EventVerification, map[string]any{
				"userId": userID,
				"score":  next.SuspicionScore,
			})
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: %d version conflicts", ErrStorageUnavailable, p.params.MaxUpsertAttempts)
}

// GetUser returns the stored state for userID.
func (s *Service) GetUser(ctx context.Context, userID string) (*UserState, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, storageErr(err)
	}
	return u, err
}

// ListRecentUsers returns up to limit users, most recently seen first.
func (s *Service) ListRecentUsers(ctx context.Context, limit int) ([]*UserState, error) {
	users, err := s.store.ListRecentUsers(ctx, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return users, nil
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
