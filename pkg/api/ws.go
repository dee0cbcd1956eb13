package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easycicd/easycicd/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The agent serves a trusted dashboard on the same host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// subKey identifies one subscription scope.
type subKey struct {
	Target string // "global", "project", "build", "container"
	ID     int64
}

// subMessage is the client's subscribe/unsubscribe control frame.
type subMessage struct {
	Type   string `json:"type"` // "subscribe" | "unsubscribe"
	Target string `json:"target"`
	ID     int64  `json:"id,omitempty"`
}

// handleEventSocket streams bus events to the client, filtered by its
// subscription set. Connections start with a global subscription.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := map[subKey]bool{{Target: "global"}: true}
	subCh := make(chan subMessage, 8)

	// Reader: control frames only. Its exit tears the connection down.
	go func() {
		defer cancel()
		for {
			var msg subMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case subCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Pump: drains the bus subscription so the main loop can also react
	// to control frames. frame carries either an event or a lag count.
	type frame struct {
		ev     events.Event
		missed uint64
	}
	frames := make(chan frame)
	go func() {
		defer close(frames)
		sub := s.bus.Subscribe()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				var lag *events.LagError
				if !errors.As(err, &lag) {
					return
				}
				select {
				case frames <- frame{missed: lag.Missed}:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case frames <- frame{ev: ev}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-subCh:
			key := subKey{Target: msg.Target, ID: msg.ID}
			switch msg.Type {
			case "subscribe":
				subs[key] = true
			case "unsubscribe":
				delete(subs, key)
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			var payload []byte
			switch {
			case f.missed > 0:
				payload, _ = json.Marshal(map[string]any{"type": "lag", "missed": f.missed})
			case matchesSubscriptions(subs, f.ev):
				var err error
				payload, err = events.Marshal(f.ev)
				if err != nil {
					continue
				}
			default:
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// matchesSubscriptions maps each event variant to its scopes and reports
// whether the client subscribed to any of them.
func matchesSubscriptions(subs map[subKey]bool, ev events.Event) bool {
	if subs[subKey{Target: "global"}] {
		return true
	}
	for _, key := range eventScopes(ev) {
		if subs[key] {
			return true
		}
	}
	return false
}

func eventScopes(ev events.Event) []subKey {
	switch e := ev.(type) {
	case events.BuildStatusEvent:
		return []subKey{{"build", e.BuildID}, {"project", e.ProjectID}}
	case events.LogEvent:
		return []subKey{{"build", e.BuildID}}
	case events.DeploymentEvent:
		return []subKey{{"build", e.BuildID}, {"project", e.ProjectID}}
	case events.HealthCheckEvent:
		return []subKey{{"build", e.BuildID}, {"project", e.ProjectID}}
	case events.ContainerStatusEvent:
		return []subKey{{"project", e.ProjectID}}
	case events.StandaloneContainerStatusEvent:
		return []subKey{{"container", e.ContainerID}}
	case events.ContainerLogEvent:
		return []subKey{{"container", e.ContainerID}}
	case events.ErrorEvent:
		keys := []subKey{}
		if e.ProjectID != nil {
			keys = append(keys, subKey{"project", *e.ProjectID})
		}
		if e.BuildID != nil {
			keys = append(keys, subKey{"build", *e.BuildID})
		}
		return keys
	default:
		return nil
	}
}
