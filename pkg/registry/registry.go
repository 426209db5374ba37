// Package registry looks up the topic specification a mirror binds to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrTopicNotFound = errors.New("topic not registered")

// Registry returns the registered specification of a topic.
type Registry interface {
	Lookup(ctx context.Context, name string) (topic.Spec, error)
}

// FileRegistry serves specs loaded from configuration.
type FileRegistry struct {
	specs map[string]topic.Spec
}

// NewStatic returns a registry holding specs.
func NewStatic(specs ...topic.Spec) *FileRegistry {
	r := &FileRegistry{specs: make(map[string]topic.Spec, len(specs))}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	return r
}

type fileLayout struct {
	Topics []topic.Spec `mapstructure:"topics"`
}

// LoadFile reads a yaml, json or toml file with a top level "topics" list.
func LoadFile(path string) (*FileRegistry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, mirrorerr.Config("read registry file", err)
	}
	var layout fileLayout
	if err := v.Unmarshal(&layout, func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }); err != nil {
		return nil, mirrorerr.Config("decode registry file", err)
	}
	for i, s := range layout.Topics {
		if s.Name == "" {
			return nil, mirrorerr.Config("decode registry file", fmt.Errorf("topic %d: %w", i, topic.ErrNoName))
		}
	}
	return NewStatic(layout.Topics...), nil
}

func (r *FileRegistry) Lookup(_ context.Context, name string) (topic.Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return topic.Spec{}, mirrorerr.Config("lookup "+name, ErrTopicNotFound)
	}
	return s, nil
}

// Resolve looks up name and builds its binding. Unavailable registries are
// retried until timeout elapses.
func Resolve(ctx context.Context, reg Registry, name string, timeout time.Duration, logger *zap.Logger) (*topic.Binding, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = timeout

	spec, err := backoff.RetryNotifyWithData(func() (topic.Spec, error) {
		s, err := reg.Lookup(ctx, name)
		if err != nil && !mirrorerr.IsRetryable(err) {
			return s, backoff.Permanent(err)
		}
		return s, err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("topic registry unavailable, retrying", zap.String("topic", name), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	binding, err := topic.NewBinding(ctx, spec)
	if err != nil {
		return nil, mirrorerr.Config("bind topic "+name, err)
	}
	logger.Info("topic resolved", zap.Stringer("binding", binding))
	return binding, nil
}
