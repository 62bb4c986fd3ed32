package usecase

import "context"

// LowQualityScore is the highest NFIQ2 score counted as low quality.
const LowQualityScore uint32 = 20

// MetricsSummary represents aggregated assessment insights.
type MetricsSummary struct {
	TotalAssessments           int64   `json:"total_assessments"`
	LowQualityAssessments      int64   `json:"low_quality_assessments"`
	LowQualityRate             float64 `json:"low_quality_rate"`
	AverageScore               float64 `json:"average_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates quality metrics from persisted assessments.
func (uc *AssessmentUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx, LowQualityScore)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAssessments:           aggregation.TotalCount,
		LowQualityAssessments:      aggregation.LowQualityCount,
		AverageScore:               aggregation.AverageScore,
		AverageProcessingLatencyMs: aggregation.AverageLatency,
	}

	if aggregation.TotalCount > 0 {
		summary.LowQualityRate = float64(aggregation.LowQualityCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
