package registry

import "context"

// Summary represents aggregated swap outcomes.
type Summary struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	SuccessRate        float64          `json:"success_rate"`
	FailuresByKind     map[string]int64 `json:"failures_by_kind"`
}

// Summary aggregates swap metrics from persisted results.
func (r *Registry) Summary(ctx context.Context) (*Summary, error) {
	aggregation, err := r.records.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		FailedRequests:     aggregation.TotalCount - aggregation.SuccessCount,
		FailuresByKind:     aggregation.FailuresByKind,
	}
	if summary.FailuresByKind == nil {
		summary.FailuresByKind = map[string]int64{}
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
