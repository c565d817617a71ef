package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/sethdford/vibex-sub011/internal/streaming"
)

// eventMethod is the notification method live events are sent under.
const eventMethod = "notifications/flowctl/event"

// ClientNotifier pushes notifications to connected clients.
type ClientNotifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// MCPNotifier implements ClientNotifier on MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the client's session. A client that is not
// connected is not an error.
func (n *MCPNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, eventMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// forwardEvents subscribes to the hub and sends every event to every
// registered client until ctx is done.
func (s *FlowServer) forwardEvents(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	notifier := NewMCPNotifier(s.mcpServer, s.sessions)
	go func() {
		defer cancel()
		for ev := range ch {
			payload, err := eventPayload(ev)
			if err != nil {
				continue
			}
			for _, id := range s.sessions.Clients() {
				if err := notifier.Notify(ctx, id, payload); err != nil {
					s.logger.Debug("event notification failed", slog.String("client_id", id), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

func eventPayload(ev streaming.StreamEvent) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
