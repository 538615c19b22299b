package cache

import (
	"context"
)

// Lookup is an asynchronous property read for one request.
type Lookup struct {
	ctx  context.Context
	key  string
	done chan struct{}
	page *Page
	err  error
}

// StartLookup begins reading the page for key on a new goroutine.
func (c *PropertyCache) StartLookup(ctx context.Context, key string) *Lookup {
	l := &Lookup{
		ctx:  ctx,
		key:  key,
		done: make(chan struct{}),
	}
	go func() {
		l.page, l.err = c.Read(ctx, key)
		close(l.done)
	}()
	return l
}

func (l *Lookup) Key() string {
	return l.key
}

// AddPostLookupTask runs run on a new goroutine once the lookup is done. If
// the request context has ended by then, cancel is called instead. Exactly
// one of the two is called.
func (l *Lookup) AddPostLookupTask(run func(), cancel func()) {
	go func() {
		select {
		case <-l.done:
		case <-l.ctx.Done():
		}
		if l.ctx.Err() != nil {
			if cancel != nil {
				cancel()
			}
			return
		}
		run()
	}()
}

// Page returns the page read by the lookup. It is nil when the read failed
// outright. The lookup keeps ownership; callers must not hold on to it past
// the request.
func (l *Lookup) Page() *Page {
	<-l.done
	return l.page
}

// Err returns the error of the read, if any.
func (l *Lookup) Err() error {
	<-l.done
	return l.err
}
