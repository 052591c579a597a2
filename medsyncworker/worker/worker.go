package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/medsync/medsync-app/log"
	"github.com/medsync/medsync-app/medsync/client"
	"github.com/medsync/medsync-app/medsync/constants"
	customErrors "github.com/medsync/medsync-app/medsync/errors"
	"github.com/medsync/medsync-app/medsync/hl7"
	"github.com/medsync/medsync-app/medsync/models"
	"github.com/medsync/medsync-app/medsync/models/fhir"
	"github.com/medsync/medsync-app/medsync/monitoring"
	"github.com/medsync/medsync-app/medsync/registry"
	"github.com/medsync/medsync-app/medsync/utils"
	"github.com/medsync/medsync-app/medsyncworker/repository"
	"github.com/medsync/medsync-app/medsyncworker/repository/postgres"
)

type Worker interface {
	// SyncPatientData walks every synced resource type for the connection's
	// launch patient, returning one result per type.
	SyncPatientData(ctx context.Context, conn *models.Connection) ([]*models.SyncOperationResult, error)

	// ProcessHL7Message parses, converts, and persists one inbound message.
	ProcessHL7Message(ctx context.Context, connectionID uint, raw string) (*models.SyncOperationResult, error)

	// SyncAllPatients runs SyncPatientData across every active connection of
	// an integration with bounded concurrency.
	SyncAllPatients(ctx context.Context, integration string) error
}

type worker struct {
	r        repository.Repository
	registry *registry.Registry
}

func NewWorker(db *sql.DB, reg *registry.Registry) Worker {
	return &worker{postgres.NewRepository(db), reg}
}

func (w *worker) SyncPatientData(ctx context.Context, conn *models.Connection) ([]*models.SyncOperationResult, error) {
	txn := monitoring.GetMonitor().Start("SyncPatientData")
	defer monitoring.GetMonitor().End(txn)
	ctx = monitoring.WithTransaction(ctx, txn)

	base, err := w.registry.Client(conn.Integration)
	if err != nil {
		return nil, errors.Wrapf(err, "could not sync connection %d", conn.ID)
	}
	// Each connection gets its own session so concurrent syncs of one
	// integration never see or persist each other's credentials.
	fc := base.Session(conn.Token())

	if conn.PatientID == "" {
		log.Worker.WithField("connection_id", conn.ID).Warn("Connection has no launch patient; nothing to sync")
		result := models.NewSyncOperationResult(uuid.New(), conn.ID, "", "")
		finalize(result, models.SyncStatusCompleted)
		return []*models.SyncOperationResult{result}, nil
	}

	results := make([]*models.SyncOperationResult, 0, len(models.SyncedResourceTypes))
	for _, rt := range models.SyncedResourceTypes {
		if ctx.Err() != nil {
			break
		}
		result := w.syncResourceType(ctx, fc, conn, rt)
		results = append(results, result)
		if err := w.r.CreateSyncResult(ctx, result); err != nil {
			log.Worker.WithField("sync_id", result.ID).Errorf("Failed to persist sync result: %s", err)
		}
	}

	// last_sync only moves forward once every resource type had its turn; a
	// cancelled walk must not hide the unattempted types from the next run.
	if len(results) > 0 && ctx.Err() == nil {
		if err := w.r.UpdateConnectionLastSync(ctx, conn.ID, time.Now().UTC()); err != nil {
			log.Worker.Warnf("Failed to update last sync for connection %d. Will continue. %s", conn.ID, err.Error())
		}
	}
	w.persistRefreshedToken(ctx, fc, conn)

	return results, ctx.Err()
}

// syncResourceType walks every page of one resource type for the patient.
// Record-level failures are tallied on the result and never stop the walk;
// systemic failures abort this type only.
func (w *worker) syncResourceType(ctx context.Context, fc *client.Client, conn *models.Connection, rt models.ResourceType) *models.SyncOperationResult {
	segment := monitoring.NewChildSegment(ctx, fmt.Sprintf("syncResourceType:%s", rt))
	defer segment.End()

	result := models.NewSyncOperationResult(uuid.New(), conn.ID, rt, conn.PatientID)

	params := client.NewSearchParams().Reference("patient", "Patient", conn.PatientID)
	if conn.LastSync != nil {
		params.DateGE("_lastUpdated", *conn.LastSync)
	}

	err := fc.GetPages(ctx, string(rt), params, func(bundle *fhir.Bundle) error {
		for _, entry := range bundle.Entries {
			resource := entry.Resource()
			if resource == nil {
				continue
			}
			w.syncRecord(ctx, result, conn, resource)
		}
		return nil
	})
	if err != nil {
		result.RecordError(err.Error())
		log.Worker.WithFields(logrus.Fields{
			"connection_id": conn.ID,
			"resource_type": rt,
		}).Errorf("Aborting resource type: %s", err)
		finalize(result, models.SyncStatusFailed)
		return result
	}

	finalize(result, models.SyncStatusCompleted)
	return result
}

// syncRecord normalizes and persists one resource. Duplicate records count
// as found; failures are recorded on the result and isolated to the record.
func (w *worker) syncRecord(ctx context.Context, result *models.SyncOperationResult, conn *models.Connection, resource map[string]interface{}) {
	result.Found++

	canonical, err := models.FromFHIR(resource, conn.ID, conn.Integration)
	if err != nil {
		result.Failed++
		result.RecordError(err.Error())
		return
	}

	exists, err := w.r.ResourceExists(ctx, conn.ID, canonical.ResourceType, canonical.ExternalID)
	if err != nil {
		result.Failed++
		result.RecordError(fmt.Sprintf("%s/%s: %s", canonical.ResourceType, canonical.ExternalID, err))
		return
	}
	if exists {
		return
	}

	if err := w.r.CreateResource(ctx, canonical); err != nil {
		result.Failed++
		result.RecordError(fmt.Sprintf("%s/%s: %s", canonical.ResourceType, canonical.ExternalID, err))
		return
	}
	result.Synced++
}

func (w *worker) ProcessHL7Message(ctx context.Context, connectionID uint, raw string) (*models.SyncOperationResult, error) {
	txn := monitoring.GetMonitor().Start("ProcessHL7Message")
	defer monitoring.GetMonitor().End(txn)
	ctx = monitoring.WithTransaction(ctx, txn)

	msg, err := hl7.Parse(raw)
	if err != nil {
		return nil, err
	}

	conversion := hl7.Convert(msg)
	result := models.NewSyncOperationResult(uuid.New(), connectionID, models.ResourceTypeObservation, conversion.PatientID)

	if !conversion.Supported {
		result.RecordError((&customErrors.UnsupportedMessageTypeError{MessageType: conversion.MessageType}).Error())
		finalize(result, models.SyncStatusCompleted)
		if err := w.r.CreateSyncResult(ctx, result); err != nil {
			log.Worker.WithField("sync_id", result.ID).Errorf("Failed to persist sync result: %s", err)
		}
		log.Worker.WithFields(logrus.Fields{
			"message_type": conversion.MessageType,
			"control_id":   msg.ControlID,
		}).Info("Skipping unsupported message type")
		return result, nil
	}

	conn := &models.Connection{ID: connectionID, Integration: "hl7", PatientID: conversion.PatientID}
	for _, entry := range conversion.Bundle.Entries {
		resource := entry.Resource()
		if resource == nil {
			continue
		}
		if rt, _ := resource["resourceType"].(string); !utils.ContainsString(persistedHL7Types, rt) {
			continue
		}
		w.syncRecord(ctx, result, conn, resource)
	}

	status := models.SyncStatusCompleted
	if result.Synced == 0 && result.Failed > 0 {
		status = models.SyncStatusFailed
	}
	finalize(result, status)
	if err := w.r.CreateSyncResult(ctx, result); err != nil {
		log.Worker.WithField("sync_id", result.ID).Errorf("Failed to persist sync result: %s", err)
	}
	return result, nil
}

// Patient resources from HL7 conversion stay inside the bundle; only the
// clinical facts become canonical rows.
var persistedHL7Types = []string{string(models.ResourceTypeObservation)}

func (w *worker) SyncAllPatients(ctx context.Context, integration string) error {
	conns, err := w.r.GetActiveConnections(ctx, integration)
	if err != nil {
		return errors.Wrapf(err, "could not list active connections for %s", integration)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(utils.GetEnvInt("MEDSYNC_SYNC_CONCURRENCY", constants.DefaultSyncConcurrency))
	for _, conn := range conns {
		conn := conn
		eg.Go(func() error {
			if _, err := w.SyncPatientData(egCtx, conn); err != nil {
				log.Worker.WithField("connection_id", conn.ID).Errorf("Sync failed: %s", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// persistRefreshedToken writes the client's session back to the connection
// row when a refresh happened during the sync.
func (w *worker) persistRefreshedToken(ctx context.Context, fc *client.Client, conn *models.Connection) {
	token := fc.Token()
	if token == nil || token.AccessToken == conn.AccessToken {
		return
	}
	if err := w.r.UpdateConnectionToken(ctx, conn.ID, token); err != nil {
		log.Worker.Warnf("Failed to persist refreshed token for connection %d. Will continue. %s", conn.ID, err.Error())
	}
}

func finalize(result *models.SyncOperationResult, status models.SyncStatus) {
	if err := result.Finalize(status); err != nil {
		log.Worker.Error(err)
	}
}
