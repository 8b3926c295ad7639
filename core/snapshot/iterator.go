package snapshot

import (
	"context"
	"fmt"
)

// Iterator reads the change records of one namespace in id order. Its cursor is
// durable: Commit persists it, and a new iterator resumes from the stored offset.
type Iterator struct {
	store  *Store
	name   string
	chunk  int
	offset int64
	total  int64
}

// Iterator opens the change stream of a ready namespace at its stored offset.
func (s *Store) Iterator(ctx context.Context, name string, chunk int) (*Iterator, error) {
	ns, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if ns == nil || ns.State != StateReady {
		return nil, fmt.Errorf("%w: %s is not ready", ErrInvalidNamespace, name)
	}
	if chunk <= 0 {
		chunk = 1
	}
	return &Iterator{store: s, name: name, chunk: chunk, offset: ns.ReadOffset, total: ns.Total}, nil
}

// Namespace returns the namespace being read.
func (it *Iterator) Namespace() string {
	return it.name
}

// Offset returns the number of committed records.
func (it *Iterator) Offset() int64 {
	return it.offset
}

// Remaining returns the number of records not yet committed.
func (it *Iterator) Remaining() int64 {
	if it.offset >= it.total {
		return 0
	}
	return it.total - it.offset
}

// Seek moves the cursor without persisting it.
func (it *Iterator) Seek(offset int64) {
	if offset < 0 {
		offset = 0
	}
	it.offset = offset
}

// Next returns the chunk at the cursor. It does not advance the cursor, so
// calling Next again without Commit returns the same records.
func (it *Iterator) Next(ctx context.Context) ([]Change, error) {
	if it.offset >= it.total {
		return nil, nil
	}
	return it.store.Changes(ctx, it.name, it.offset, it.chunk)
}

// Commit advances the cursor past n records and persists it.
func (it *Iterator) Commit(ctx context.Context, n int) error {
	next := it.offset + int64(n)
	if next > it.total {
		next = it.total
	}
	if err := it.store.SaveOffset(ctx, it.name, next); err != nil {
		return err
	}
	it.offset = next
	return nil
}
