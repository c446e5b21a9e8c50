package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.NotNil(t, FromContext(ctx))
}

func TestRequestIDMissing(t *testing.T) {
	assert.Equal(t, "unknown", RequestID(context.Background()))
}

func TestInitFallsBackToInfo(t *testing.T) {
	assert.NoError(t, Init(Config{Level: "nonsense", Environment: "test"}))
}
