package mirrord

import (
	"context"
	"testing"

	"github.com/bakdata/quick-sub003/pkg/config"
	"github.com/bakdata/quick-sub003/pkg/registry"
	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() { logLevel = "info" })

	logLevel = "debug"
	l, err := newLogger()
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	logLevel = "none"
	l, err = newLogger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))

	logLevel = "loud"
	_, err = newLogger()
	assert.Error(t, err)
}

func TestResolveBindingStatic(t *testing.T) {
	cfg := &config.Config{
		Mirror: config.MirrorConfig{Topic: "users"},
		Registry: config.RegistryConfig{
			Type:   "static",
			Topics: []topic.Spec{{Name: "users", KeyType: "long", ValueType: "string"}},
		},
	}
	b, err := resolveBinding(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "users", b.Name)

	cfg.Mirror.Topic = "orders"
	_, err = resolveBinding(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, registry.ErrTopicNotFound)
}

func TestStaticMembershipSource(t *testing.T) {
	cfg := &config.Config{Mirror: config.MirrorConfig{Membership: config.MembershipConfig{
		Mode:    "static",
		Members: []string{"a:8080", "b:8080"},
	}}}
	a, err := membershipSource(cfg, nil, 3).Assignment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, router.Assignment{0: "a:8080", 1: "b:8080", 2: "a:8080"}, a)
}
