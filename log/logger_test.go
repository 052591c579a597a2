package log

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/medsync/medsync-app/conf"
	"github.com/medsync/medsync-app/medsync/constants"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestLoggers verifies that all of our loggers are set up with the expected
// fields and write to the expected files.
func TestLoggers(t *testing.T) {
	env := uuid.New()
	conf.SetEnv(t, "DEPLOYMENT_TARGET", env)

	tests := []struct {
		logEnv string
		// Use a supplier since the logger's reference is replaced every time
		// SetupLoggers runs.
		logSupplier func() logrus.FieldLogger
		application string
	}{
		{"MEDSYNC_ERROR_LOG", func() logrus.FieldLogger { return API }, "api"},
		{"MEDSYNC_FHIR_LOG", func() logrus.FieldLogger { return FHIR }, "api"},
		{"MEDSYNC_HL7_LOG", func() logrus.FieldLogger { return HL7 }, "api"},
		{"MEDSYNC_REGISTRY_LOG", func() logrus.FieldLogger { return Registry }, "api"},
		{"MEDSYNC_WORKER_ERROR_LOG", func() logrus.FieldLogger { return Worker }, "worker"},
	}
	for _, tt := range tests {
		t.Run(tt.logEnv, func(t *testing.T) {
			logFile, err := os.CreateTemp("", "*")
			assert.NoError(t, err)
			old := conf.GetEnv(tt.logEnv)
			t.Cleanup(func() {
				assert.NoError(t, os.Remove(logFile.Name()))
				assert.NoError(t, conf.SetEnv(t, tt.logEnv, old))
			})

			conf.SetEnv(t, tt.logEnv, logFile.Name())

			// Refresh the loggers to reference the new configs
			SetupLoggers()

			msg := uuid.New()
			tt.logSupplier().Info(msg)
			verifyLogs(t, env, msg, tt.application, logFile)
		})
	}
}

func verifyLogs(t *testing.T, env, msg, application string, logFile *os.File) {
	data, err := io.ReadAll(logFile)
	assert.NoError(t, err)

	res := strings.Split(string(data), "\n")
	// msg + new line
	assert.Len(t, res, 2)
	var fields logrus.Fields
	assert.NoError(t, json.Unmarshal([]byte(res[0]), &fields))
	assert.Equal(t, application, fields["application"])
	assert.Equal(t, env, fields["environment"])
	assert.Equal(t, msg, fields["msg"])
	assert.Equal(t, "medsync", fields["source_app"])
	assert.Equal(t, constants.Version, fields["version"])
}

func TestGetLogger(t *testing.T) {
	logger := logrus.New()
	assert.Equal(t, logger, GetLogger(logger))
	assert.Equal(t, logger, GetLogger(logger.WithField("k", "v")))
}
