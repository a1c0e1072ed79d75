// Package event provides the in-process event bus connecting the job
// pipeline to its observers (the REST/websocket gateway, primarily).
// Each event carries the ID of the job it concerns.
package event

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventBus struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	// JobUpdateEvent fires on every job status transition.
	JobUpdateEvent Event = "job:update"

	// JobProgressEvent fires on each (throttled) progress update while
	// a job is processing.
	JobProgressEvent Event = "job:update:progress"

	// JobCompleteEvent fires exactly once per job, when it reaches a
	// terminal state (Done or Failed).
	JobCompleteEvent Event = "job:complete"

	// SettingsUpdateEvent fires when the runtime default method/params are
	// reconfigured. Payload is the new settings version.
	SettingsUpdateEvent Event = "settings:update"
)

func New() EventCoordinator {
	return &eventBus{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel subscribes the given channel to the events listed.
// If the channel is blocked when an event is dispatched, the dispatching
// goroutine blocks too - buffer handler channels appropriately.
func (bus *eventBus) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		bus.chanHandlers[event] = append(bus.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction subscribes a handler which is called inline by
// Dispatch. Handlers registered this way must return quickly.
func (bus *eventBus) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	bus.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction subscribes a handler which is called inside
// a new goroutine each time the event is dispatched.
func (bus *eventBus) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	bus.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (bus *eventBus) registerHandlerMethod(event Event, handle handlerMethod) {
	bus.fnHandlers[event] = append(bus.fnHandlers[event], handle)
}

// Dispatch delivers the payload to every subscriber of the event.
func (bus *eventBus) Dispatch(event Event, payload Payload) {
	if err := bus.validatePayload(event, payload); err != nil {
		log.Errorf("Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	if handles, ok := bus.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if handles, ok := bus.chanHandlers[event]; ok {
		payload := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- payload
		}
	}
}

// validatePayload ensures the payload type matches what subscribers of
// the event expect; mismatches are dropped before delivery.
func (bus *eventBus) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case JobUpdateEvent, JobProgressEvent, JobCompleteEvent:
		if _, ok := payload.(uuid.UUID); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected uuid.UUID", payloadTypeName, event)
		}

		return nil
	case SettingsUpdateEvent:
		if _, ok := payload.(int); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected int version", payloadTypeName, event)
		}

		return nil
	}

	return errors.New("event type not recognized for validation")
}
