package entitystore

import (
	"errors"

	"github.com/illmade-knight/go-entitystore/pkg/futures"
	"github.com/illmade-knight/go-entitystore/pkg/transport"
	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// Iterator is a lazy, finite, non-restartable sequence of query results.
// Next drives the event loop until a result is available, the stream ends
// (Done) or the query fails. Results stream straight from the transport:
// queries bypass both cache tiers, since a cached result set cannot be kept
// coherent against concurrent writes.
type Iterator struct {
	loop     *futures.Loop
	buf      []*types.Entity
	finished bool
	err      error // terminal state once finished: Done or a query error
}

// Run submits an already-compiled query and returns its result iterator.
// The query layer owns filter/order construction; the core relays the
// request object untouched.
func (c *Context) Run(q *transport.Query, opts *Options) *Iterator {
	o := normalize(opts)
	it := &Iterator{loop: c.loop}

	c.loop.RPCBegin()
	go func() {
		defer c.loop.RPCDone()
		err := c.store.RunQuery(c.ctx, q, o.shape().callOptions(), func(ent *types.Entity) error {
			c.loop.AddRPC(func() { it.buf = append(it.buf, ent) })
			return nil
		})
		c.loop.AddRPC(func() {
			it.finished = true
			if err != nil {
				it.err = err
			} else {
				it.err = Done
			}
		})
	}()
	return it
}

// Next returns the next result. It returns Done once the stream is
// exhausted and the query's error if it failed. Calling Next after a
// terminal result keeps returning the same terminal result.
func (it *Iterator) Next() (*types.Entity, error) {
	for {
		if len(it.buf) > 0 {
			ent := it.buf[0]
			it.buf = it.buf[1:]
			return ent, nil
		}
		if it.finished {
			return nil, it.err
		}
		if !it.loop.Run1() {
			return nil, futures.ErrNothingToDo
		}
	}
}

// All drains the iterator into a slice. A convenience for small result
// sets.
func (it *Iterator) All() ([]*types.Entity, error) {
	var out []*types.Entity
	for {
		ent, err := it.Next()
		if errors.Is(err, Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
}
