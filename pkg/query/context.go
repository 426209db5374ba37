// Package query serves point, batch, full scan and range lookups over the
// mirror cluster. A lookup is answered from the local store when this
// instance owns the partition of the key and forwarded to the owner
// otherwise.
package query

import (
	"errors"

	"github.com/bakdata/quick-sub003/pkg/address"
	"github.com/bakdata/quick-sub003/pkg/mirror"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"go.uber.org/zap"
)

// PartitionState tells which local partitions are still being rebuilt.
type PartitionState interface {
	Partitions() []int32
	Restoring(partition int32) bool
}

var _ PartitionState = (*mirror.Runner)(nil)

// Runtime holds the live handles of the instance. Without Partitions every
// local partition is readable.
type Runtime struct {
	Stores     mirror.StoreLookup
	Router     *router.Router
	Partitions PartitionState
}

// AddressConfig is how members reach each other's query endpoints.
type AddressConfig struct {
	Scheme string
	Prefix string
	Path   string
}

// Context aggregates everything the query layer and topology construction
// need. It is fixed at startup.
type Context struct {
	Runtime     Runtime
	LocalMember router.Member
	PointStore  string
	Range       *mirror.RangeConfig
	Retention   *mirror.RetentionConfig
	Binding     *topic.Binding
	Address     AddressConfig
}

// Validate checks that the context is complete.
func (c *Context) Validate() error {
	var errs []error
	if c.Binding == nil {
		errs = append(errs, errors.New("topic binding is required"))
	}
	if c.PointStore == "" {
		errs = append(errs, errors.New("point store is required"))
	}
	if c.LocalMember == "" {
		errs = append(errs, errors.New("local member address is required"))
	}
	if c.Range != nil && (c.Range.Store == "" || c.Range.Field == "") {
		errs = append(errs, errors.New("range index needs a store and a field"))
	}
	if c.Retention != nil && c.Retention.Duration > 0 && c.Retention.Store == "" {
		errs = append(errs, errors.New("retention needs a store"))
	}
	if err := errors.Join(errs...); err != nil {
		return mirrorerr.Config("query context", err)
	}
	return nil
}

// TopologyOptions derives the ingestion topology from the context.
func (c *Context) TopologyOptions(logger *zap.Logger) mirror.Options {
	return mirror.Options{
		Binding:    c.Binding,
		PointStore: c.PointStore,
		Range:      c.Range,
		Retention:  c.Retention,
		Logger:     logger,
	}
}

// Host returns the query endpoints of m.
func (c *Context) Host(m router.Member) address.Host {
	return address.Host{
		Scheme:  c.Address.Scheme,
		Prefix:  c.Address.Prefix,
		Address: string(m),
		Path:    c.Address.Path,
	}
}

// IsLocal reports whether m is this instance.
func (c *Context) IsLocal(m router.Member) bool {
	return m == c.LocalMember
}
