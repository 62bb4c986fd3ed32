package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/retry"
)

// Assessment is a persisted quality score.
type Assessment struct {
	ID          uint               `gorm:"primaryKey" json:"-"`
	RequestID   string             `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	ClientID    string             `gorm:"column:client_id;index;size:64" json:"client_id"`
	Score       uint32             `gorm:"column:score" json:"score"`
	Actionable  []nfiq2.NamedValue `gorm:"column:actionable;serializer:json;type:text" json:"actionable"`
	Features    []nfiq2.NamedValue `gorm:"column:features;serializer:json;type:text" json:"features"`
	ImageSHA256 string             `gorm:"column:image_sha256;index;size:64" json:"image_sha256"`
	ImageBytes  int                `gorm:"column:image_bytes" json:"image_bytes"`
	LatencyMs   float64            `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt   time.Time          `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (Assessment) TableName() string {
	return "quality_assessments"
}

// MetricsAggregation holds the raw aggregates over all assessments.
type MetricsAggregation struct {
	TotalCount      int64
	LowQualityCount int64
	AverageScore    float64
	AverageLatency  float64
}

// AssessmentRepository persists assessments in Postgres.
type AssessmentRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewAssessmentRepository creates a new repository instance.
func NewAssessmentRepository(db *gorm.DB, logger *zap.Logger) *AssessmentRepository {
	return &AssessmentRepository{
		db:     db,
		logger: logger.Named("assessment_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AssessmentRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&Assessment{})
	})
}

// Save persists an assessment.
func (r *AssessmentRepository) Save(ctx context.Context, a *Assessment) error {
	return r.executeWithRetry(ctx, "repository.save", a.RequestID, func() error {
		return r.db.WithContext(ctx).Create(a).Error
	})
}

// FindByRequestIDAndClient loads an assessment owned by clientID.
func (r *AssessmentRepository) FindByRequestIDAndClient(ctx context.Context, requestID, clientID string) (*Assessment, error) {
	var a Assessment
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&a, "request_id = ? AND client_id = ?", requestID, clientID).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByDigest returns the assessments of one image for clientID, newest
// first.
func (r *AssessmentRepository) FindByDigest(ctx context.Context, clientID, digest string, limit int) ([]*Assessment, error) {
	var out []*Assessment
	err := r.executeWithRetry(ctx, "repository.find_by_digest", "", func() error {
		return r.db.WithContext(ctx).
			Where("client_id = ? AND image_sha256 = ?", clientID, digest).
			Order("created_at DESC").
			Limit(limit).
			Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AggregateMetrics computes totals over every stored assessment. Scores at
// or below lowQuality count as low quality.
func (r *AssessmentRepository) AggregateMetrics(ctx context.Context, lowQuality uint32) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&Assessment{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COUNT(*) FILTER (WHERE score <= ?) AS low_quality_count, "+
					"COALESCE(AVG(score), 0) AS average_score, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency",
				lowQuality,
			).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *AssessmentRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.policy, r.logger, operation, requestID, fn)
}
