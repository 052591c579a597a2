package log

import (
	"os"
	"path/filepath"
	"time"

	"github.com/medsync/medsync-app/conf"
	"github.com/medsync/medsync-app/medsync/constants"
	"github.com/sirupsen/logrus"
)

var (
	API      logrus.FieldLogger
	FHIR     logrus.FieldLogger
	HL7      logrus.FieldLogger
	Registry logrus.FieldLogger

	Worker     logrus.FieldLogger
	FHIRWorker logrus.FieldLogger
)

func init() {
	SetupLoggers()
}

// SetupLoggers builds all package-level loggers from the current
// configuration. Called once at init; tests call it again after changing the
// log file env vars.
func SetupLoggers() {
	API = logger(conf.GetEnv("MEDSYNC_ERROR_LOG"), "api", "api")
	FHIR = logger(conf.GetEnv("MEDSYNC_FHIR_LOG"), "api", "fhir")
	HL7 = logger(conf.GetEnv("MEDSYNC_HL7_LOG"), "api", "hl7")
	Registry = logger(conf.GetEnv("MEDSYNC_REGISTRY_LOG"), "api", "registry")

	Worker = logger(conf.GetEnv("MEDSYNC_WORKER_ERROR_LOG"), "worker", "worker")
	FHIRWorker = logger(conf.GetEnv("MEDSYNC_FHIR_LOG"), "worker", "fhir")
}

func logger(outputFile, application, logType string) logrus.FieldLogger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	if outputFile != "" {
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			log.SetOutput(file)
		} else {
			log.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return log.WithFields(logrus.Fields{
		"application": application,
		"log_type":    logType,
		"environment": conf.GetEnv("DEPLOYMENT_TARGET"),
		"source_app":  "medsync",
		"version":     constants.Version,
	})
}

// GetLogger returns the underlying *logrus.Logger for a FieldLogger. Test
// hooks need the concrete logger.
func GetLogger(logger logrus.FieldLogger) *logrus.Logger {
	if entry, ok := logger.(*logrus.Entry); ok {
		return entry.Logger
	}
	return logger.(*logrus.Logger)
}
