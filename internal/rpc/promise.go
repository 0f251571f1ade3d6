package rpc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Promise is an eventual single value. A method returning *Promise is
// answered with a PROMISE subscription followed by exactly one event.
type Promise struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Async runs fn on its own goroutine and settles the promise with its
// outcome. A panic in fn rejects the promise.
func Async(fn func() (any, error)) *Promise {
	p := NewPromise()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Msgf("rpc.Async panic=%v", r)
				p.Reject(fmt.Errorf("%v", r))
			}
		}()
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p
}

// Resolve settles the promise with v. Only the first settle counts.
func (p *Promise) Resolve(v any) {
	p.once.Do(func() {
		p.value = v
		close(p.done)
	})
}

// Reject settles the promise with err. Only the first settle counts.
func (p *Promise) Reject(err error) {
	if err == nil {
		err = fmt.Errorf("rpc: rejected")
	}
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled outcome. It must only be read after Done.
func (p *Promise) Result() (any, error) {
	<-p.done
	return p.value, p.err
}
