package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/config"
)

func TestFormatterLine(t *testing.T) {
	f := &CustomFormatter{SystemName: "phasegate"}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "Event ID: SIGN_OFF, Description: signed",
		Data:    logrus.Fields{"project": "p1", "actor": "a@x.test"},
	}
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t,
		"Date: 2024-03-04, Time: 05:06:07, Event Source: phasegate, Event Type: WARNING, Message: Event ID: SIGN_OFF, Description: signed, actor=a@x.test, project=p1\n",
		string(out))
}

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "phasegate.log")
	logger, err := New(config.Log{Level: "debug", File: path, MaxSize: 1})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	logger.Debug("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("Message: hello")))
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.Log{Level: "loud"})
	assert.Error(t, err)
}
