package logger

import (
	"context"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsUsableBeforeInitialize(t *testing.T) {
	assert.NotNil(t, Default())
	assert.NotNil(t, FromContext(nil)) //nolint:staticcheck
	Default().Info("noop")
}

func TestInitializeWithSentryClient(t *testing.T) {
	client, err := sentry.NewClient(sentry.ClientOptions{})
	require.NoError(t, err)

	require.NoError(t, Initialize(Config{Debug: true, SentryClient: client, Tags: map[string]string{"service": "paysync"}}))
	FromContext(context.Background()).Error("settlement aborted")
	Flush(100 * time.Millisecond)
}
