package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	scoped := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)).With(slog.String("request_id", "req-1"))

	tests := []struct {
		name string
		ctx  context.Context
		want *slog.Logger
	}{
		{name: "Should return the request logger", ctx: WithContext(context.Background(), scoped), want: scoped},
		{name: "Should fall back to the default logger", ctx: context.Background(), want: slog.Default()},
		{name: "Should ignore values of other types", ctx: context.WithValue(context.Background(), contextKey{}, "not a logger"), want: slog.Default()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := FromContext(tt.ctx)

			assert.NotNil(t, got)
			assert.Same(t, tt.want, got)
		})
	}
}

func TestWithContext_CarriesScopedAttributes(t *testing.T) {
	t.Parallel()

	// Arrange
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithContext(context.Background(), base.With(slog.String("spec", "new_ui")))

	// Act
	FromContext(ctx).Info("check evaluated")

	// Assert
	assert.Contains(t, buf.String(), "spec=new_ui")
	assert.Contains(t, buf.String(), `msg="check evaluated"`)
}
