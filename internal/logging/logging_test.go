package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmitsJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "escrow-api", "debug", "json")

	log.WithField("asset_id", 7).Info("asset listed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "escrow-api", line["service"])
	assert.Equal(t, "asset listed", line["message"])
	assert.Equal(t, "info", line["severity"])
	assert.EqualValues(t, 7, line["asset_id"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "escrow-api", "loud", "text")

	assert.Equal(t, logrus.InfoLevel, log.Logger.GetLevel())
	log.Debug("hidden")
	assert.Empty(t, buf.String())
}
