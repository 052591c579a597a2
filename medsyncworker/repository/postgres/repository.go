package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/pkg/errors"

	"github.com/medsync/medsync-app/medsync/database"
	"github.com/medsync/medsync-app/medsync/models"
	"github.com/medsync/medsync-app/medsyncworker/repository"
)

const (
	sqlFlavor = sqlbuilder.PostgreSQL
)

// Ensure Repository satisfies the interface
var _ repository.Repository = &Repository{}

type Repository struct {
	database.Queryable
	database.Executable

	// db is set when the repository owns its connection and may open
	// transactions; nil when running inside a caller-owned transaction.
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	wrapped := &database.DB{DB: db}
	return &Repository{wrapped, wrapped, db}
}

func NewRepositoryTx(tx *sql.Tx) *Repository {
	wrapped := &database.Tx{Tx: tx}
	return &Repository{wrapped, wrapped, nil}
}

var connectionCols = []string{
	"id", "user_id", "integration", "client_id", "environment", "scope",
	"access_token", "refresh_token", "expires_at",
	"patient_id", "patient_name", "encounter_id", "fhir_user_id",
	"active", "last_sync", "created_at",
}

func (r *Repository) CreateConnection(ctx context.Context, conn models.Connection) (*models.Connection, error) {
	run := func(q database.Queryable, e database.Executable) (*models.Connection, error) {
		ub := sqlFlavor.NewUpdateBuilder().Update("connections")
		ub.Set(ub.Assign("active", false))
		ub.Where(ub.Equal("user_id", conn.UserID), ub.Equal("integration", conn.Integration), ub.Equal("active", true))
		query, args := ub.Build()
		if _, err := e.ExecContext(ctx, query, args...); err != nil {
			return nil, errors.Wrap(err, "failed to deactivate prior connections")
		}

		ib := sqlFlavor.NewInsertBuilder().InsertInto("connections")
		ib.Cols("user_id", "integration", "client_id", "environment", "scope",
			"access_token", "refresh_token", "expires_at",
			"patient_id", "patient_name", "encounter_id", "fhir_user_id", "active").
			Values(conn.UserID, conn.Integration, conn.ClientID, conn.Environment, conn.Scope,
				conn.AccessToken, conn.RefreshToken, conn.ExpiresAt,
				conn.PatientID, conn.PatientName, conn.EncounterID, conn.FHIRUserID, true)
		query, args = ib.Build()
		query += " RETURNING id, created_at"
		if err := q.QueryRowContext(ctx, query, args...).Scan(&conn.ID, &conn.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to insert connection")
		}
		conn.Active = true
		return &conn, nil
	}

	if r.db == nil {
		return run(r.Queryable, r.Executable)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	wrapped := &database.Tx{Tx: tx}
	created, err := run(wrapped, wrapped)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *Repository) GetConnectionByID(ctx context.Context, id uint) (*models.Connection, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(connectionCols...).From("connections")
	sb.Where(sb.Equal("id", id))
	return r.getConnection(ctx, sb)
}

func (r *Repository) GetActiveConnection(ctx context.Context, userID, integration string) (*models.Connection, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(connectionCols...).From("connections")
	sb.Where(sb.Equal("user_id", userID), sb.Equal("integration", integration), sb.Equal("active", true))
	sb.OrderBy("created_at").Desc().Limit(1)
	return r.getConnection(ctx, sb)
}

func (r *Repository) getConnection(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.Connection, error) {
	query, args := sb.Build()
	conn, err := scanConnection(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

func (r *Repository) GetActiveConnections(ctx context.Context, integration string) ([]*models.Connection, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(connectionCols...).From("connections")
	sb.Where(sb.Equal("integration", integration), sb.Equal("active", true))
	sb.OrderBy("id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (r *Repository) UpdateConnectionToken(ctx context.Context, id uint, token *models.Token) error {
	return r.updateConnection(ctx,
		map[string]interface{}{"id": id},
		map[string]interface{}{
			"access_token":  token.AccessToken,
			"refresh_token": token.RefreshToken,
			"expires_at":    token.ExpiresAt,
		})
}

func (r *Repository) UpdateConnectionLastSync(ctx context.Context, id uint, lastSync time.Time) error {
	return r.updateConnection(ctx,
		map[string]interface{}{"id": id},
		map[string]interface{}{"last_sync": lastSync})
}

func (r *Repository) DeactivateConnections(ctx context.Context, userID, integration string) (int64, error) {
	ub := sqlFlavor.NewUpdateBuilder().Update("connections")
	ub.Set(ub.Assign("active", false))
	ub.Where(ub.Equal("user_id", userID), ub.Equal("integration", integration), ub.Equal("active", true))

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) ResourceExists(ctx context.Context, connectionID uint, resourceType models.ResourceType, externalID string) (bool, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("canonical_resources")
	sb.Where(sb.Equal("connection_id", connectionID), sb.Equal("resource_type", resourceType), sb.Equal("external_id", externalID))

	query, args := sb.Build()
	var count int
	if err := r.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) CreateResource(ctx context.Context, resource *models.CanonicalResource) error {
	ib := sqlFlavor.NewInsertBuilder().InsertInto("canonical_resources")
	ib.Cols("connection_id", "resource_type", "external_id", "patient_ref",
		"code", "display", "value_quantity", "value_unit", "value_string",
		"effective_at", "issued_at", "status", "range_low", "range_high",
		"raw", "source_system").
		Values(resource.ConnectionID, resource.ResourceType, resource.ExternalID, resource.PatientRef,
			resource.Code, resource.Display, resource.ValueQuantity, resource.ValueUnit, resource.ValueString,
			resource.EffectiveAt, resource.IssuedAt, resource.Status, resource.RangeLow, resource.RangeHigh,
			[]byte(resource.Raw), resource.SourceSystem)

	query, args := ib.Build()
	query += " RETURNING id, created_at"
	return r.QueryRowContext(ctx, query, args...).Scan(&resource.ID, &resource.CreatedAt)
}

func (r *Repository) GetResourceCount(ctx context.Context, connectionID uint, resourceType models.ResourceType) (int, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("canonical_resources")
	sb.Where(sb.Equal("connection_id", connectionID), sb.Equal("resource_type", resourceType))

	query, args := sb.Build()
	var count int
	if err := r.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *Repository) CreateSyncResult(ctx context.Context, result *models.SyncOperationResult) error {
	errs, err := json.Marshal(result.Errors)
	if err != nil {
		return err
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("sync_results")
	ib.Cols("id", "connection_id", "resource_type", "patient_id",
		"found", "synced", "failed", "errors",
		"started_at", "completed_at", "status").
		Values(result.ID, result.ConnectionID, result.ResourceType, result.PatientID,
			result.Found, result.Synced, result.Failed, errs,
			result.StartedAt, result.CompletedAt, result.Status)

	query, args := ib.Build()
	_, err = r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) updateConnection(ctx context.Context, clauses map[string]interface{}, fieldAndValues map[string]interface{}) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("connections")
	for field, value := range fieldAndValues {
		ub.SetMore(ub.Assign(field, value))
	}
	for field, value := range clauses {
		ub.Where(ub.Equal(field, value))
	}

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return repository.ErrConnectionNotUpdated
	}

	return nil
}

func scanConnection(row database.Row) (*models.Connection, error) {
	var (
		conn      models.Connection
		lastSync  sql.NullTime
		expiresAt sql.NullTime
	)
	err := row.Scan(&conn.ID, &conn.UserID, &conn.Integration, &conn.ClientID, &conn.Environment, &conn.Scope,
		&conn.AccessToken, &conn.RefreshToken, &expiresAt,
		&conn.PatientID, &conn.PatientName, &conn.EncounterID, &conn.FHIRUserID,
		&conn.Active, &lastSync, &conn.CreatedAt)
	if err != nil {
		return nil, err
	}
	conn.ExpiresAt = expiresAt.Time
	if lastSync.Valid {
		conn.LastSync = &lastSync.Time
	}
	return &conn, nil
}
