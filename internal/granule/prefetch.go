package granule

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Prefetch reads the next batch of src in the background while the caller
// works on the current one. At most one batch is read ahead; order is kept.
// The returned reader takes ownership of src.
func Prefetch(ctx context.Context, src array.RecordReader) array.RecordReader {
	ctx, cancel := context.WithCancel(ctx)
	p := &prefetcher{
		refs:   1,
		ctx:    ctx,
		src:    src,
		cancel: cancel,
		ch:     make(chan arrow.Record),
	}
	p.wg.Add(1)
	go p.run(ctx)
	return p
}

type prefetcher struct {
	refs   int64
	ctx    context.Context
	src    array.RecordReader
	cancel context.CancelFunc
	ch     chan arrow.Record
	wg     sync.WaitGroup

	cur arrow.Record
	err error
}

func (p *prefetcher) run(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.ch)
	for p.src.Next() {
		rec := p.src.Record()
		rec.Retain()
		select {
		case p.ch <- rec:
		case <-ctx.Done():
			rec.Release()
			return
		}
	}
}

func (p *prefetcher) Schema() *arrow.Schema { return p.src.Schema() }

func (p *prefetcher) Retain() { atomic.AddInt64(&p.refs, 1) }

func (p *prefetcher) Release() {
	if atomic.AddInt64(&p.refs, -1) != 0 {
		return
	}
	p.cancel()
	for rec := range p.ch {
		rec.Release()
	}
	p.wg.Wait()
	if p.cur != nil {
		p.cur.Release()
		p.cur = nil
	}
	p.src.Release()
}

func (p *prefetcher) Next() bool {
	if p.cur != nil {
		p.cur.Release()
		p.cur = nil
	}
	rec, ok := <-p.ch
	if !ok {
		p.wg.Wait()
		if p.err = p.src.Err(); p.err == nil {
			p.err = p.ctx.Err()
		}
		return false
	}
	p.cur = rec
	return true
}

func (p *prefetcher) Record() arrow.Record { return p.cur }

func (p *prefetcher) Err() error { return p.err }
