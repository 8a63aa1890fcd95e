// Package reaper turns process signals into supervision events and collects
// the exit status of dead children.
package reaper

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// EventKind classifies a supervision event.
type EventKind int

const (
	Interrupt EventKind = iota
	Terminate
	ChildExit
)

func (k EventKind) String() string {
	switch k {
	case Interrupt:
		return "interrupt"
	case Terminate:
		return "terminate"
	case ChildExit:
		return "child-exit"
	default:
		return "unknown"
	}
}

// Event is delivered in the order the signals were received.
type Event struct {
	Kind   EventKind
	Signal syscall.Signal
}

// Source delivers events to the supervising thread.
type Source interface {
	Events() <-chan Event
	Close()
}

const defaultBuffer = 64

// SignalSource registers for SIGINT, SIGTERM and SIGCHLD when created, so it
// must be created before the first child is spawned.
type SignalSource struct {
	sigs   chan os.Signal
	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSignalSource starts listening. buffer bounds both the signal and the
// event queue.
func NewSignalSource(buffer int) *SignalSource {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &SignalSource{
		sigs:   make(chan os.Signal, buffer),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	signal.Notify(s.sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)
	s.wg.Add(1)
	go s.translate()
	return s
}

func (s *SignalSource) translate() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case sig := <-s.sigs:
			ev, ok := toEvent(sig)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func toEvent(sig os.Signal) (Event, bool) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return Event{}, false
	}
	switch s {
	case syscall.SIGINT:
		return Event{Kind: Interrupt, Signal: s}, true
	case syscall.SIGTERM:
		return Event{Kind: Terminate, Signal: s}, true
	case syscall.SIGCHLD:
		return Event{Kind: ChildExit, Signal: s}, true
	default:
		return Event{}, false
	}
}

func (s *SignalSource) Events() <-chan Event {
	return s.events
}

// Close stops signal delivery. Pending events are dropped.
func (s *SignalSource) Close() {
	s.once.Do(func() {
		signal.Stop(s.sigs)
		close(s.done)
		s.wg.Wait()
	})
}
