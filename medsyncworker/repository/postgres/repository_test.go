package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/medsync/medsync-app/medsync/models"
	"github.com/medsync/medsync-app/medsyncworker/repository"
)

type RepositoryTestSuite struct {
	suite.Suite
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func (r *RepositoryTestSuite) TestCreateConnectionDeactivatesPriorInTx() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	expiresAt := time.Now().Add(time.Hour)
	createdAt := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE connections SET active = \$1 WHERE user_id = \$2 AND integration = \$3 AND active = \$4`).
		WithArgs(false, "user-1", "epic", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO connections .* RETURNING id, created_at`).
		WithArgs("user-1", "epic", "client-1", "production", "patient/*.read",
			"tok-1", "refresh-1", expiresAt,
			"12345", "Jane Doe", "enc-9", "Practitioner/77", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, createdAt))
	mock.ExpectCommit()

	conn, err := NewRepository(db).CreateConnection(context.Background(), models.Connection{
		UserID:       "user-1",
		Integration:  "epic",
		ClientID:     "client-1",
		Environment:  "production",
		Scope:        "patient/*.read",
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiresAt,
		PatientID:    "12345",
		PatientName:  "Jane Doe",
		EncounterID:  "enc-9",
		FHIRUserID:   "Practitioner/77",
	})
	require.NoError(r.T(), err)
	assert.EqualValues(r.T(), 7, conn.ID)
	assert.True(r.T(), conn.Active)
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}

func (r *RepositoryTestSuite) TestCreateConnectionRollsBackOnInsertFailure() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE connections SET active`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO connections`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = NewRepository(db).CreateConnection(context.Background(), models.Connection{UserID: "user-1", Integration: "epic"})
	require.Error(r.T(), err)
	assert.Contains(r.T(), err.Error(), "failed to insert connection")
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}

// A repository built over a caller-owned transaction runs the deactivate and
// insert on that transaction without opening one of its own.
func (r *RepositoryTestSuite) TestCreateConnectionInCallerTransaction() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE connections SET active`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO connections .* RETURNING id, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, time.Now()))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(r.T(), err)

	conn, err := NewRepositoryTx(tx).CreateConnection(context.Background(), models.Connection{UserID: "user-1", Integration: "epic"})
	require.NoError(r.T(), err)
	assert.EqualValues(r.T(), 9, conn.ID)

	require.NoError(r.T(), tx.Commit())
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}

func (r *RepositoryTestSuite) TestGetActiveConnection() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	now := time.Now()
	lastSync := now.Add(-time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "integration", "client_id", "environment", "scope",
		"access_token", "refresh_token", "expires_at",
		"patient_id", "patient_name", "encounter_id", "fhir_user_id",
		"active", "last_sync", "created_at",
	}).AddRow(3, "user-1", "epic", "client-1", "production", "patient/*.read",
		"tok-1", "refresh-1", now.Add(time.Hour),
		"12345", "Jane Doe", "enc-9", "Practitioner/77",
		true, lastSync, now)

	mock.ExpectQuery(`SELECT .* FROM connections WHERE user_id = \$1 AND integration = \$2 AND active = \$3 ORDER BY created_at DESC LIMIT`).
		WithArgs("user-1", "epic", true).
		WillReturnRows(rows)

	conn, err := NewRepository(db).GetActiveConnection(context.Background(), "user-1", "epic")
	require.NoError(r.T(), err)
	assert.EqualValues(r.T(), 3, conn.ID)
	assert.Equal(r.T(), "12345", conn.PatientID)
	require.NotNil(r.T(), conn.LastSync)
	assert.WithinDuration(r.T(), lastSync, *conn.LastSync, time.Second)
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}

func (r *RepositoryTestSuite) TestGetActiveConnectionNotFound() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM connections`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewRepository(db).GetActiveConnection(context.Background(), "user-1", "epic")
	assert.ErrorIs(r.T(), err, repository.ErrConnectionNotFound)
}

func (r *RepositoryTestSuite) TestResourceExists() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(1\) FROM canonical_resources WHERE connection_id = \$1 AND resource_type = \$2 AND external_id = \$3`).
		WithArgs(3, "Observation", "obs-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := NewRepository(db).ResourceExists(context.Background(), 3, models.ResourceTypeObservation, "obs-1")
	require.NoError(r.T(), err)
	assert.True(r.T(), exists)
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}

func (r *RepositoryTestSuite) TestCreateResource() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	value := 98.6
	mock.ExpectQuery(`INSERT INTO canonical_resources .* RETURNING id, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))

	resource := &models.CanonicalResource{
		ConnectionID:  3,
		ResourceType:  models.ResourceTypeObservation,
		ExternalID:    "obs-1",
		PatientRef:    "12345",
		Code:          "8310-5",
		Display:       "Body temperature",
		ValueQuantity: &value,
		ValueUnit:     "degF",
		Status:        "final",
		Raw:           json.RawMessage(`{"resourceType":"Observation"}`),
		SourceSystem:  "epic",
	}
	require.NoError(r.T(), NewRepository(db).CreateResource(context.Background(), resource))
	assert.EqualValues(r.T(), 11, resource.ID)
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}

func (r *RepositoryTestSuite) TestUpdateConnectionLastSyncNoMatch() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectExec(`UPDATE connections SET last_sync = \$1 WHERE id = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewRepository(db).UpdateConnectionLastSync(context.Background(), 99, time.Now())
	assert.ErrorIs(r.T(), err, repository.ErrConnectionNotUpdated)
}

func (r *RepositoryTestSuite) TestDeactivateConnections() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectExec(`UPDATE connections SET active = \$1 WHERE user_id = \$2 AND integration = \$3 AND active = \$4`).
		WithArgs(false, "user-1", "epic", true).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := NewRepository(db).DeactivateConnections(context.Background(), "user-1", "epic")
	require.NoError(r.T(), err)
	assert.EqualValues(r.T(), 2, n)
}

func (r *RepositoryTestSuite) TestCreateSyncResult() {
	db, mock, err := sqlmock.New()
	require.NoError(r.T(), err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sync_results`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result := models.NewSyncOperationResult("op-1", 3, models.ResourceTypeObservation, "12345")
	result.Found, result.Synced, result.Failed = 5, 4, 1
	result.RecordError("Observation/obs-9: missing id")
	require.NoError(r.T(), result.Finalize(models.SyncStatusCompleted))

	require.NoError(r.T(), NewRepository(db).CreateSyncResult(context.Background(), result))
	assert.NoError(r.T(), mock.ExpectationsWereMet())
}
