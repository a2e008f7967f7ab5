package project

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/12313131dBossza/siteproc-fulfillment/pkg/database"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/models"
	"github.com/12313131dBossza/siteproc-fulfillment/pkg/tracing"
)

var rollupColumns = []string{
	"id", "company_id", "project_id", "order_id", "delivery_id", "amount",
	"status", "applied_at", "created_at",
}

// Repository handles project and cost rollup persistence. Methods run on the
// transaction carried by the context when one is open.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new project repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a project by ID.
func (r *Repository) Get(ctx context.Context, companyID, id string) (*models.Project, error) {
	ctx, span := tracing.StartSpan(ctx, "project.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "company_id", "name", "budget", "actual_cost", "variance", "created_at", "updated_at")
	sb.From("projects")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("company_id", companyID),
	)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	var p models.Project
	if err := q.GetContext(ctx, &p, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("project %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"project_id": id}).Error("Failed to get project")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get project")
	}
	return &p, nil
}

// InsertPending writes a rollup outbox row. The unique delivery reference
// makes retried requests insert nothing; false reports that case.
func (r *Repository) InsertPending(ctx context.Context, rollup *models.ProjectRollup) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "project.Repository.InsertPending")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("project_rollups")
	sb.Cols(rollupColumns...)
	sb.Values(
		rollup.ID, rollup.CompanyID, rollup.ProjectID, rollup.OrderID,
		rollup.DeliveryID, rollup.Amount, rollup.Status, rollup.AppliedAt, rollup.CreatedAt,
	)

	query, args := sb.Build()
	query += " ON CONFLICT (delivery_id) DO NOTHING"

	q := database.QueryerFromContext(ctx, r.db)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"rollup_id": rollup.ID, "delivery_id": rollup.DeliveryID}).Error("Failed to insert project rollup")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert project rollup")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"rollup_id": rollup.ID}).Error("Failed to read affected rows for rollup insert")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert project rollup")
	}
	return affected > 0, nil
}

// Apply claims a pending rollup and increments the project's actual cost in
// one statement, so the claim and the increment cannot diverge. Applying an
// already-applied rollup affects no rows and is a no-op.
func (r *Repository) Apply(ctx context.Context, companyID, rollupID string) error {
	ctx, span := tracing.StartSpan(ctx, "project.Repository.Apply")
	defer span.End()

	query := `
		WITH claimed AS (
			UPDATE project_rollups
			SET status = 'applied', applied_at = NOW()
			WHERE id = $1 AND company_id = $2 AND status = 'pending'
			RETURNING project_id, amount
		)
		UPDATE projects p
		SET actual_cost = p.actual_cost + c.amount,
			variance = p.budget - (p.actual_cost + c.amount),
			updated_at = NOW()
		FROM claimed c
		WHERE p.id = c.project_id AND p.company_id = $2
	`

	q := database.QueryerFromContext(ctx, r.db)
	if _, err := q.ExecContext(ctx, query, rollupID, companyID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"rollup_id": rollupID}).Error("Failed to apply project rollup")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply project rollup")
	}
	return nil
}

// ListPending returns committed rollups not yet applied, oldest first. The
// sweep worker drains these when inline dispatch or the retry queue failed.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]models.ProjectRollup, error) {
	ctx, span := tracing.StartSpan(ctx, "project.Repository.ListPending")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(rollupColumns...)
	sb.From("project_rollups")
	sb.Where(sb.Equal("status", string(models.RollupStatusPending)))
	sb.OrderBy("created_at ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	q := database.QueryerFromContext(ctx, r.db)
	var rollups []models.ProjectRollup
	if err := q.SelectContext(ctx, &rollups, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list pending project rollups")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending project rollups")
	}
	return rollups, nil
}
