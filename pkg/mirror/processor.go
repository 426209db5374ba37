package mirror

import (
	"errors"
	"fmt"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
)

// StoreLookup resolves a named local store. *store.DB implements it.
type StoreLookup interface {
	Store(name string) (*store.Store, error)
}

// Processor is one stage applied to every record of a partition.
//
// A Processor starts uninitialized, is bound to its stores by Init and is
// unusable after Close. Process writes into the batch of the record; it never
// commits.
type Processor interface {
	Init(stores StoreLookup) error
	Process(b *store.Batch, rec Record) error
	Close() error
}

// ErrImmutable is returned by a stage that refuses to change the value of an
// existing key of an immutable topic. The record is skipped by the remaining
// stages.
var ErrImmutable = errors.New("value of immutable key cannot change")

type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateClosed
)

// lifecycle implements the Init/Process/Close state checks shared by all
// stages.
type lifecycle struct {
	name  string
	state state
}

func (l *lifecycle) init(stores StoreLookup, names ...string) ([]*store.Store, error) {
	switch l.state {
	case stateInitialized:
		return nil, mirrorerr.Config(l.name+" init", mirrorerr.ErrAlreadyInitialized)
	case stateClosed:
		return nil, mirrorerr.Config(l.name+" init", mirrorerr.ErrClosed)
	}
	if stores == nil {
		return nil, mirrorerr.Config(l.name+" init", mirrorerr.ErrStoreMissing)
	}
	out := make([]*store.Store, len(names))
	for i, name := range names {
		s, err := stores.Store(name)
		if err != nil {
			return nil, fmt.Errorf("%s init: %w", l.name, err)
		}
		out[i] = s
	}
	l.state = stateInitialized
	return out, nil
}

func (l *lifecycle) ready() error {
	switch l.state {
	case stateUninitialized:
		return mirrorerr.Config(l.name, mirrorerr.ErrNotInitialized)
	case stateClosed:
		return mirrorerr.Config(l.name, mirrorerr.ErrClosed)
	}
	return nil
}

func (l *lifecycle) close() error {
	l.state = stateClosed
	return nil
}
