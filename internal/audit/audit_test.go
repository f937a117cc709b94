package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Write(context.Context, Record) error { return errors.New("disk full") }

type capturePublisher struct {
	key string
	v   any
}

func (p *capturePublisher) Publish(_ context.Context, key string, v any) error {
	p.key, p.v = key, v
	return nil
}

func TestRecorder_FillsDefaults(t *testing.T) {
	sink := &MemorySink{}
	r := NewRecorder(sink)

	r.Record(context.Background(), Record{Action: ActionOrderFulfilled, SubjectType: "order", SubjectID: "o-1"})

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, "system", recs[0].Actor)
	assert.False(t, recs[0].At.IsZero())
}

func TestRecorder_SinkErrorIsSwallowed(t *testing.T) {
	r := NewRecorder(failingSink{})
	assert.NotPanics(t, func() {
		r.Record(context.Background(), Record{Action: ActionWebhookFailed})
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() {
		nilRecorder.Record(context.Background(), Record{Action: ActionWebhookFailed})
	})
}

func TestKafkaSink_KeysBySubject(t *testing.T) {
	pub := &capturePublisher{}
	s := NewKafkaSink(pub)

	require.NoError(t, s.Write(context.Background(), Record{SubjectType: "webhook_endpoint", SubjectID: "ep-1"}))
	assert.Equal(t, "webhook_endpoint:ep-1", pub.key)
	assert.IsType(t, Record{}, pub.v)
}

func TestLogSink_Write(t *testing.T) {
	assert.NoError(t, LogSink{}.Write(context.Background(), Record{Action: ActionItemsVoided}))
}
