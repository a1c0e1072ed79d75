// Package websocket implements the activity-stream hub: connected clients
// receive job and settings updates as they happen, and may issue a small
// set of commands back over the same connection.
package websocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/scrubmedia/scrub/pkg/logger"
)

var log = logger.Get("WebSocket")

type SocketHandler func(*SocketHub, *SocketMessage) error

// SocketHub manages websocket upgrades, the connected client set, and the
// routing of inbound commands and outbound updates. All client-set
// mutation happens on the Start goroutine.
type SocketHub struct {
	handlers           map[string]SocketHandler
	upgrader           *websocket.Upgrader
	clients            []*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	receiveCh          chan *SocketMessage
	connectionCallback func() map[string]any
	running            bool
}

func NewHub() *SocketHub {
	return &SocketHub{
		handlers: make(map[string]SocketHandler),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WithConnectionCallback sets a callback whose result is delivered to each
// newly connected client as its welcome payload, so clients start with the
// current state instead of waiting for the next update.
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]any) {
	hub.connectionCallback = callback
}

// BindCommand routes inbound messages with the given title to the handler.
func (hub *SocketHub) BindCommand(command string, handler SocketHandler) *SocketHub {
	hub.handlers[command] = handler
	return hub
}

// Start runs the hub's event loop until the context is cancelled. Must be
// running before any upgrade or send.
func (hub *SocketHub) Start(ctx context.Context) {
	if hub.running {
		log.Warnf("Refusing to start an already-running socket hub\n")
		return
	}

	hub.sendCh = make(chan *SocketMessage)
	hub.receiveCh = make(chan *SocketMessage)
	hub.registerCh = make(chan *socketClient)
	hub.deregisterCh = make(chan *socketClient)
	hub.clients = make([]*socketClient, 0)
	hub.running = true

	log.Infof("Socket hub open\n")
	defer hub.close()

	for {
		select {
		case message := <-hub.sendCh:
			if message.Target != nil {
				if _, client := hub.findClient(message.Target); client != nil {
					if err := client.SendMessage(message); err != nil {
						log.Errorf("Failed to send message to client {%v}: %v\n", message.Target, err)
					}
				} else {
					log.Warnf("Dropping message addressed to unknown client {%v}\n", message.Target)
				}

				break
			}

			hub.broadcast(message)
		case message := <-hub.receiveCh:
			go hub.handleMessage(message)
		case client := <-hub.registerCh:
			if idx, _ := hub.findClient(client.id); idx > -1 {
				log.Errorf("Refusing to register duplicate client {%v}\n", client.id)
				client.Close()

				break
			}

			hub.clients = append(hub.clients, client)
			log.Debugf("Registered client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				log.Debugf("Deregistered client {%v}\n", client.id)

				break
			}

			log.Warnf("Attempted to deregister unknown client {%v}\n", client.id)
		case <-ctx.Done():
			log.Infof("Socket hub shutting down, closing all clients\n")
			return
		}
	}
}

// Send queues the message for delivery: broadcast when Target is nil,
// otherwise to the one matching client. Ignored while the hub is offline.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running {
		log.Warnf("Dropping message, socket hub is offline\n")
		return
	}

	hub.sendCh <- message
}

// UpgradeToSocket upgrades the HTTP request to a websocket, registers the
// client, sends its welcome payload, and blocks on its read loop until the
// connection closes.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running {
		log.Errorf("Cannot upgrade connection, socket hub is offline\n")
		return
	}

	id, err := uuid.NewRandom()
	if err != nil {
		log.Errorf("Failed to generate client UUID, aborting upgrade\n")
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade connection to websocket: %v\n", err)
		return
	}

	client := &socketClient{id: &id, socket: sock}
	hub.registerCh <- client

	body := map[string]any{}
	if hub.connectionCallback != nil {
		body = hub.connectionCallback()
	}
	body["client"] = id

	hub.Send(&SocketMessage{
		Title:  "CONNECTION_ESTABLISHED",
		Body:   body,
		Target: &id,
		Type:   Welcome,
	})

	defer func() {
		hub.deregisterCh <- client
		client.Close()
	}()

	if err := client.Read(hub.receiveCh); err != nil {
		log.Debugf("Client {%v} closed: %v\n", client.id, err)
	}
}

func (hub *SocketHub) close() {
	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	hub.running = false
	log.Infof("Socket hub closed\n")
}

func (hub *SocketHub) handleMessage(command *SocketMessage) {
	if command.Type != Command {
		log.Warnf("Rejecting message of type {%v} from client {%v}, only commands are accepted\n", command.Type, command.Origin)
		return
	}

	replyWithError := func(err string) {
		hub.Send(command.FormReply("COMMAND_FAILURE", map[string]any{"error": err}, ErrorResponse))
	}

	handler, ok := hub.handlers[command.Title]
	if !ok {
		log.Warnf("No handler bound for command '%v'\n", command.Title)
		replyWithError("Unknown command")
		return
	}

	if err := handler(hub, command); err != nil {
		log.Errorf("Handler for command '%v' failed: %v\n", command.Title, err)
		replyWithError(err.Error())
	}
}

func (hub *SocketHub) findClient(id *uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx, client
		}
	}

	return -1, nil
}

func (hub *SocketHub) broadcast(message *SocketMessage) {
	for _, client := range hub.clients {
		if err := client.SendMessage(message); err != nil {
			log.Errorf("Failed to broadcast to client {%v}: %v\n", client.id, err)
		}
	}
}
