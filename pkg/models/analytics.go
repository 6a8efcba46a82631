package models

import "github.com/google/uuid"

// DeploymentMetrics is the analytics snapshot of one deployment.
type DeploymentMetrics struct {
	DeploymentID       uuid.UUID        `json:"deployment_id"`
	Name               string           `json:"name"`
	Version            int              `json:"version"`
	DeploymentStatus   DeploymentStatus `json:"deployment_status"`
	IsActive           bool             `json:"is_active"`
	TotalConversations int64            `json:"total_conversations"`
	TotalTokensUsed    int64            `json:"total_tokens_used"`
	AvgConfidenceScore float64          `json:"avg_confidence_score"`
}

// MetricsFromDeployment copies the maintained counters out of d.
func MetricsFromDeployment(d *Deployment) DeploymentMetrics {
	return DeploymentMetrics{
		DeploymentID:       d.ID,
		Name:               d.Name,
		Version:            d.Version,
		DeploymentStatus:   d.DeploymentStatus,
		IsActive:           d.IsActive,
		TotalConversations: d.TotalConversations,
		TotalTokensUsed:    d.TotalTokensUsed,
		AvgConfidenceScore: d.AvgConfidenceScore,
	}
}

// DeploymentStatusSummary rolls up metrics for every deployment in one status.
// AvgConfidenceScore is weighted by conversation count.
type DeploymentStatusSummary struct {
	DeploymentStatus   DeploymentStatus `json:"deployment_status"`
	Deployments        int              `json:"deployments"`
	TotalConversations int64            `json:"total_conversations"`
	TotalTokensUsed    int64            `json:"total_tokens_used"`
	AvgConfidenceScore float64          `json:"avg_confidence_score"`
}
