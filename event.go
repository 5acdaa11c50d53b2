package relay

import (
	evbus "github.com/asaskevich/EventBus"
)

type Event int

const (
	// when a new config was loaded
	EventConfigNewConfig Event = iota
	// when the log file changed
	EventConfigLogFile
	// when the log level changed
	EventConfigLogLevel
	// when it's time to reload the main log file
	EventConfigLogReopen
	// when a message was queued for sending
	EventQueueOutbound
)

var eventList = [...]string{
	"config_change:new_config",
	"config_change:log_file",
	"config_change:log_level",
	"config_change:reopen_log_file",
	"queue:outbound",
}

func (e Event) String() string {
	return eventList[e]
}

type EventHandler struct {
	*evbus.EventBus
}

func NewEventHandler() *EventHandler {
	return &EventHandler{evbus.New().(*evbus.EventBus)}
}

func (h *EventHandler) Subscribe(topic Event, fn interface{}) error {
	return h.EventBus.Subscribe(topic.String(), fn)
}

func (h *EventHandler) Publish(topic Event, args ...interface{}) {
	h.EventBus.Publish(topic.String(), args...)
}

func (h *EventHandler) Unsubscribe(topic Event, handler interface{}) error {
	return h.EventBus.Unsubscribe(topic.String(), handler)
}
