package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type SocketMessageType int

const (
	Update SocketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is one frame of the activity stream. Id is echoed back on
// replies so a client can correlate them; Origin/Target carry the client
// UUID on the server side only and never cross the wire.
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	Id     int               `json:"id"`
	Type   SocketMessageType `json:"type"`
	Origin *uuid.UUID        `json:"-"`
	Target *uuid.UUID        `json:"-"`
}

// ValidateArguments checks the message body contains each required key
// with a value of the named primitive type ("string" or "number").
func (message *SocketMessage) ValidateArguments(required map[string]string) error {
	for key, expected := range required {
		value, ok := message.Body[key]
		if !ok {
			return fmt.Errorf("required argument '%s' is missing", key)
		}

		switch expected {
		case "number", "int":
			if _, ok := value.(float64); !ok {
				return fmt.Errorf("argument '%s' must be a %s, got %#v", key, expected, value)
			}
		case "string":
			if s, ok := value.(string); !ok || s == "" {
				return fmt.Errorf("argument '%s' must be a non-empty string, got %#v", key, value)
			}
		default:
			return fmt.Errorf("argument '%s' has unknown required type '%s'", key, expected)
		}
	}

	return nil
}

// FormReply builds a new message addressed back at this message's origin,
// carrying the same correlation id.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]any, replyType SocketMessageType) *SocketMessage {
	if replyBody != nil {
		replyBody["command"] = message.Body
	}

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
