package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	require.NoError(t, SendSSEEvent(rec, rec, "status", 7, map[string]string{"status": "collecting"}))
	require.NoError(t, SendSSEEvent(rec, rec, "heartbeat", 0, map[string]string{}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"id: 7\nevent: status\ndata: {\"status\":\"collecting\"}\n\n"+
			"event: heartbeat\ndata: {}\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestSendSSEEventMarshalError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := SendSSEEvent(rec, rec, "status", 1, make(chan int))
	assert.Error(t, err)
	assert.Empty(t, rec.Body.String())
}
