package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/nfiq2-service/internal/logging"
	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/repository"
	"github.com/example/nfiq2-service/internal/retry"
	"github.com/example/nfiq2-service/internal/scorer"
)

// ErrNotFound is returned when no assessment with the id belongs to the
// client.
var ErrNotFound = errors.New("assessment not found")

// DefaultResultTTL is how long assessments stay cached unless configured.
const DefaultResultTTL = 24 * time.Hour

// AssessmentRepository defines the persistence operations needed by the use case.
type AssessmentRepository interface {
	Save(ctx context.Context, a *repository.Assessment) error
	FindByRequestIDAndClient(ctx context.Context, requestID, clientID string) (*repository.Assessment, error)
	FindByDigest(ctx context.Context, clientID, digest string, limit int) ([]*repository.Assessment, error)
	AggregateMetrics(ctx context.Context, lowQuality uint32) (*repository.MetricsAggregation, error)
}

// Option customises an AssessmentUseCase.
type Option func(*AssessmentUseCase)

// WithResultTTL sets the cache lifetime of stored assessments.
func WithResultTTL(ttl time.Duration) Option {
	return func(uc *AssessmentUseCase) {
		if ttl > 0 {
			uc.resultTTL = ttl
		}
	}
}

// WithRetryPolicy overrides the Redis retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(uc *AssessmentUseCase) {
		uc.policy = p
	}
}

// AssessmentUseCase scores images, persists the outcome and serves it back.
type AssessmentUseCase struct {
	repo      AssessmentRepository
	cache     Cache
	scorer    scorer.Scorer
	logger    *zap.Logger
	resultTTL time.Duration
	policy    retry.Policy
	now       func() time.Time
}

// Assessment is the outcome returned to callers.
type Assessment struct {
	RequestID   string             `json:"request_id"`
	ClientID    string             `json:"-"`
	Score       uint32             `json:"score"`
	Actionable  []nfiq2.NamedValue `json:"actionable"`
	Features    []nfiq2.NamedValue `json:"features"`
	ImageSHA256 string             `json:"image_sha256"`
	CreatedAt   time.Time          `json:"created_at"`
	// Cached is set when the score was reused for an identical image.
	Cached bool `json:"cached"`
}

// NewAssessmentUseCase constructs a new use case instance.
func NewAssessmentUseCase(repo AssessmentRepository, cache Cache, sc scorer.Scorer, logger *zap.Logger, opts ...Option) *AssessmentUseCase {
	uc := &AssessmentUseCase{
		repo:      repo,
		cache:     cache,
		scorer:    sc,
		logger:    logger.Named("assessment_usecase"),
		resultTTL: DefaultResultTTL,
		policy:    retry.DefaultPolicy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Assess scores image for clientID. An identical image scored earlier for
// the same client is answered from the cache, or from the repository once
// the cache entry expired, without touching the engine.
func (uc *AssessmentUseCase) Assess(ctx context.Context, clientID string, image []byte) (*Assessment, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.assess", requestID)

	sum := sha256.Sum256(image)
	digest := hex.EncodeToString(sum[:])

	if prev, ok := uc.lookupDigest(ctx, requestID, clientID, digest); ok {
		opLogger.Info("reusing score for identical image", zap.String("previous_request_id", prev.RequestID))
		prev.Cached = true
		return prev, nil
	}

	started := uc.now()
	result, err := uc.scorer.Score(ctx, image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.score", requestID, err)
		opLogger.Error("scoring failed", zap.Error(wrapped))
		return nil, wrapped
	}
	latency := uc.now().Sub(started)

	record := &repository.Assessment{
		RequestID:   requestID,
		ClientID:    clientID,
		Score:       result.Score,
		Actionable:  result.Actionable,
		Features:    result.Features,
		ImageSHA256: digest,
		ImageBytes:  len(image),
		LatencyMs:   float64(latency.Microseconds()) / 1000,
		CreatedAt:   started.UTC(),
	}
	if err := uc.repo.Save(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_assessment", requestID, err)
		opLogger.Error("failed to persist assessment", zap.Error(wrapped))
		return nil, wrapped
	}

	out := fromRecord(record)
	serialized, err := encodeCached(out)
	if err != nil {
		opLogger.Error("failed to serialize assessment", zap.Error(err))
		return nil, err
	}

	// The record is durable at this point, so cache failures only cost a
	// future lookup.
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.assessment", func() error {
		return uc.cache.Set(ctx, assessmentKey(requestID), serialized, uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache assessment", zap.Error(err))
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.digest", func() error {
		return uc.cache.Set(ctx, digestKey(clientID, digest), serialized, uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache digest", zap.Error(err))
	}

	opLogger.Info("image assessed",
		zap.Uint32("score", out.Score),
		zap.Float64("latency_ms", record.LatencyMs),
	)
	return out, nil
}

// GetResult retrieves an assessment owned by clientID from the cache, or
// from the repository on a miss.
func (uc *AssessmentUseCase) GetResult(ctx context.Context, clientID, requestID string) (*Assessment, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.assessment", assessmentKey(requestID))
	switch {
	case err == nil:
		a, err := decodeCached(cached)
		if err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
			break
		}
		if a.ClientID != clientID {
			// The repository applies the same ownership filter and reports
			// not found.
			break
		}
		return a, nil
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByRequestIDAndClient(ctx, requestID, clientID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(record), nil
}

func (uc *AssessmentUseCase) lookupDigest(ctx context.Context, requestID, clientID, digest string) (*Assessment, bool) {
	opLogger := logging.WithOperation(uc.logger, "usecase.assess", requestID)

	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.digest", digestKey(clientID, digest))
	if err == nil {
		if a, err := decodeCached(cached); err == nil && a.ClientID == clientID {
			return a, true
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("digest cache lookup failed", zap.Error(err))
	}

	records, err := uc.repo.FindByDigest(ctx, clientID, digest, 1)
	if err != nil {
		opLogger.Warn("digest lookup failed, scoring anyway", zap.Error(err))
		return nil, false
	}
	if len(records) == 0 {
		return nil, false
	}
	return fromRecord(records[0]), true
}

func (uc *AssessmentUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, uc.policy, uc.logger, operation, requestID, fn)
}

func (uc *AssessmentUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var (
		value string
		miss  bool
	)
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		v, err := uc.cache.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return value, nil
}

func fromRecord(r *repository.Assessment) *Assessment {
	return &Assessment{
		RequestID:   r.RequestID,
		ClientID:    r.ClientID,
		Score:       r.Score,
		Actionable:  r.Actionable,
		Features:    r.Features,
		ImageSHA256: r.ImageSHA256,
		CreatedAt:   r.CreatedAt,
	}
}
