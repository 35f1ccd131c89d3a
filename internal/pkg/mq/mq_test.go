package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func headerMap(hs []kafka.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestKafkaHeaderCarrier(t *testing.T) {
	var c KafkaHeaderCarrier
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, "3", c.Get("a"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	w := &captureWriter{}
	require.NoError(t, ProduceMessage(ctx, w, []byte("k"), []byte("v")))
	require.Len(t, w.msgs, 1)
	assert.Contains(t, headerMap(w.msgs[0].Headers), "traceparent")

	extracted := ExtractTraceContext(context.Background(), w.msgs[0])
	got := trace.SpanContextFromContext(extracted)
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
}

func TestFailureHandler_ForwardsWithHeaders(t *testing.T) {
	w := &captureWriter{}
	h := NewFailureHandler(w)

	msg := kafka.Message{Topic: "orders", Partition: 2, Offset: 41, Key: []byte("o-1"), Value: []byte("{}"),
		Headers: []kafka.Header{{Key: "traceparent", Value: []byte("x")}}}
	h.Handle(context.Background(), msg, errors.New("boom"))

	require.Len(t, w.msgs, 1)
	headers := headerMap(w.msgs[0].Headers)
	assert.Equal(t, "orders", headers[HeaderOriginalTopic])
	assert.Equal(t, "2", headers[HeaderOriginalPartition])
	assert.Equal(t, "41", headers[HeaderOriginalOffset])
	assert.Equal(t, "boom", headers[HeaderExceptionMessage])
	assert.Equal(t, "*errors.errorString", headers[HeaderExceptionFqcn])
	assert.Equal(t, "x", headers["traceparent"])
	assert.Equal(t, []byte("o-1"), w.msgs[0].Key)
}

func TestFailureHandler_WriteErrorIsSwallowed(t *testing.T) {
	h := NewFailureHandler(&captureWriter{err: errors.New("broker down")})
	assert.NotPanics(t, func() {
		h.Handle(context.Background(), kafka.Message{Topic: "orders"}, errors.New("boom"))
	})
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092, ,b:9092"))
}
