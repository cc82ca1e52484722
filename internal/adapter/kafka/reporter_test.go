package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpoint/internal/domain"
)

func TestSerializeToMessage(t *testing.T) {
	report := domain.FileReport{
		JobID: "6f1c2a34",
		File: domain.FileRef{
			SourceID: 3,
			RunTime:  time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC),
			FileID:   "hrrr_f03",
		},
		Status: domain.StatusStored,
		Fields: []domain.FieldResult{
			{SourceFieldID: 10, ShortName: "TMP", Points: 42},
			{SourceFieldID: 11, ShortName: "RH", Error: "band not present"},
		},
		Attempts: 2,
	}

	msg, err := serializeToMessage(report)
	require.NoError(t, err)

	assert.Equal(t, []byte("6f1c2a34"), msg.Key)

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "stored", headers["status"])
	assert.Equal(t, "3", headers["source_id"])

	var decoded domain.FileReport
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, report.JobID, decoded.JobID)
	assert.Equal(t, "hrrr_f03", decoded.File.FileID)
	require.Len(t, decoded.Fields, 2)
	assert.Equal(t, 42, decoded.Fields[0].Points)
	assert.Equal(t, "band not present", decoded.Fields[1].Error)
}
