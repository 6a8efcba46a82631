package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/database"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/models"
)

// ContextProviderRepository provides data access for context providers and their
// health history.
// API keys are stored as encrypted TEXT - encryption/decryption is handled by the service layer.
type ContextProviderRepository interface {
	Create(ctx context.Context, p *models.ContextProvider, encryptedKey string) error
	// GetByID returns the provider and its encrypted key, or nil when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ContextProvider, string, error)
	GetByName(ctx context.Context, name string) (*models.ContextProvider, string, error)
	// List returns providers ordered by name with their encrypted keys at matching indexes.
	List(ctx context.Context) ([]*models.ContextProvider, []string, error)
	// ListActive filters to active providers, and to those tagged with domain when it is non-empty.
	ListActive(ctx context.Context, domain string) ([]*models.ContextProvider, []string, error)
	// Update rewrites the provider. An empty encryptedKey keeps the stored key.
	Update(ctx context.Context, p *models.ContextProvider, encryptedKey string) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error

	RecordHealth(ctx context.Context, record *models.HealthRecord) error
	HealthHistory(ctx context.Context, providerID uuid.UUID, limit int) ([]*models.HealthRecord, error)
	HealthSummary(ctx context.Context, providerID uuid.UUID, since time.Time) (*models.ProviderHealthSummary, error)
}

type contextProviderRepository struct {
	db *database.DB
}

// NewContextProviderRepository creates a new ContextProviderRepository.
func NewContextProviderRepository(db *database.DB) ContextProviderRepository {
	return &contextProviderRepository{db: db}
}

var _ ContextProviderRepository = (*contextProviderRepository)(nil)

const providerColumns = `
	id, name, endpoint_url, authentication_type, COALESCE(api_key_encrypted, ''),
	is_active, timeout_seconds, supported_domains, metadata, created_at, updated_at`

func (r *contextProviderRepository) Create(ctx context.Context, p *models.ContextProvider, encryptedKey string) error {
	now := time.Now()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.SupportedDomains == nil {
		p.SupportedDomains = []string{}
	}

	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal provider metadata: %w", err)
	}

	query := `
		INSERT INTO engine_context_providers (
			id, name, endpoint_url, authentication_type, api_key_encrypted,
			is_active, timeout_seconds, supported_domains, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)`

	_, err = r.db.Exec(ctx, query,
		p.ID, p.Name, p.EndpointURL, p.AuthenticationType, encryptedKey,
		p.IsActive, p.TimeoutSeconds, p.SupportedDomains, metadataJSON, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("provider name %q: %w", p.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create context provider: %w", err)
	}
	p.HasAPIKey = encryptedKey != ""
	return nil
}

func (r *contextProviderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ContextProvider, string, error) {
	query := `SELECT ` + providerColumns + ` FROM engine_context_providers WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *contextProviderRepository) GetByName(ctx context.Context, name string) (*models.ContextProvider, string, error) {
	query := `SELECT ` + providerColumns + ` FROM engine_context_providers WHERE name = $1`
	return r.getOne(ctx, query, name)
}

func (r *contextProviderRepository) getOne(ctx context.Context, query string, arg any) (*models.ContextProvider, string, error) {
	p, encryptedKey, err := scanProvider(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return p, encryptedKey, nil
}

func (r *contextProviderRepository) List(ctx context.Context) ([]*models.ContextProvider, []string, error) {
	query := `SELECT ` + providerColumns + ` FROM engine_context_providers ORDER BY name, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list context providers: %w", err)
	}
	return collectProviders(rows)
}

func (r *contextProviderRepository) ListActive(ctx context.Context, domain string) ([]*models.ContextProvider, []string, error) {
	query := `SELECT ` + providerColumns + `
		FROM engine_context_providers
		WHERE is_active AND ($1 = '' OR $1 = ANY(supported_domains))
		ORDER BY name, id`

	rows, err := r.db.Query(ctx, query, domain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list active context providers: %w", err)
	}
	return collectProviders(rows)
}

func (r *contextProviderRepository) Update(ctx context.Context, p *models.ContextProvider, encryptedKey string) error {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal provider metadata: %w", err)
	}
	if p.SupportedDomains == nil {
		p.SupportedDomains = []string{}
	}

	p.UpdatedAt = time.Now()
	query := `
		UPDATE engine_context_providers
		SET name = $2, endpoint_url = $3, authentication_type = $4,
		    api_key_encrypted = COALESCE(NULLIF($5, ''), api_key_encrypted),
		    is_active = $6, timeout_seconds = $7, supported_domains = $8, metadata = $9, updated_at = $10
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		p.ID, p.Name, p.EndpointURL, p.AuthenticationType, encryptedKey,
		p.IsActive, p.TimeoutSeconds, p.SupportedDomains, metadataJSON, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("provider name %q: %w", p.Name, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to update context provider: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *contextProviderRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.db.Exec(ctx,
		`UPDATE engine_context_providers SET is_active = $2, updated_at = now() WHERE id = $1`,
		id, active)
	if err != nil {
		return fmt.Errorf("failed to update provider state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *contextProviderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM engine_context_providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete context provider: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// Health
// ============================================================================

func (r *contextProviderRepository) RecordHealth(ctx context.Context, record *models.HealthRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CheckedAt.IsZero() {
		record.CheckedAt = time.Now()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO engine_provider_health (id, provider_id, status, response_time_ms, error_message, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.ProviderID, record.Status, record.ResponseTimeMs, record.ErrorMessage, record.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record provider health: %w", err)
	}
	return nil
}

func (r *contextProviderRepository) HealthHistory(ctx context.Context, providerID uuid.UUID, limit int) ([]*models.HealthRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, provider_id, status, response_time_ms, error_message, checked_at
		FROM engine_provider_health
		WHERE provider_id = $1
		ORDER BY checked_at DESC, id
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider health history: %w", err)
	}
	defer rows.Close()

	records := make([]*models.HealthRecord, 0)
	for rows.Next() {
		var h models.HealthRecord
		if err := rows.Scan(&h.ID, &h.ProviderID, &h.Status, &h.ResponseTimeMs, &h.ErrorMessage, &h.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		records = append(records, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health records: %w", err)
	}
	return records, nil
}

func (r *contextProviderRepository) HealthSummary(ctx context.Context, providerID uuid.UUID, since time.Time) (*models.ProviderHealthSummary, error) {
	summary := &models.ProviderHealthSummary{ProviderID: providerID, Since: since}

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'healthy'),
		       COUNT(*) FILTER (WHERE status = 'degraded'),
		       COUNT(*) FILTER (WHERE status = 'down'),
		       COALESCE(AVG(response_time_ms), 0)::float8
		FROM engine_provider_health
		WHERE provider_id = $1 AND checked_at >= $2`, providerID, since).Scan(
		&summary.Healthy, &summary.Degraded, &summary.Down, &summary.AvgResponseTimeMs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize provider health: %w", err)
	}

	var status models.HealthStatus
	var checkedAt time.Time
	err = r.db.QueryRow(ctx, `
		SELECT status, checked_at
		FROM engine_provider_health
		WHERE provider_id = $1
		ORDER BY checked_at DESC, id
		LIMIT 1`, providerID).Scan(&status, &checkedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Never checked
	case err != nil:
		return nil, fmt.Errorf("failed to get latest provider health: %w", err)
	default:
		summary.LatestStatus = &status
		summary.LatestCheckedAt = &checkedAt
	}

	return summary, nil
}

// ============================================================================
// Helper Functions - Scan
// ============================================================================

func scanProvider(row pgx.Row) (*models.ContextProvider, string, error) {
	var p models.ContextProvider
	var encryptedKey string
	var metadataJSON []byte

	err := row.Scan(
		&p.ID, &p.Name, &p.EndpointURL, &p.AuthenticationType, &encryptedKey,
		&p.IsActive, &p.TimeoutSeconds, &p.SupportedDomains, &metadataJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("failed to scan context provider: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal provider metadata: %w", err)
		}
	}
	p.HasAPIKey = encryptedKey != ""
	return &p, encryptedKey, nil
}

func collectProviders(rows pgx.Rows) ([]*models.ContextProvider, []string, error) {
	defer rows.Close()

	providers := make([]*models.ContextProvider, 0)
	keys := make([]string, 0)
	for rows.Next() {
		p, key, err := scanProvider(rows)
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating context providers: %w", err)
	}
	return providers, keys, nil
}
