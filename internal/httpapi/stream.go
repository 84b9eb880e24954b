package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var errInvalidLimit = errors.New("limit must be a positive integer")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents lists recent events, newest first. Optional filters: module
// (script hash) and type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errInvalidLimit)
			return
		}
		limit = min(n, maxEventLimit)
	}

	filter, err := eventFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list := s.deps.Events.RecentFiltered(filter, limit)
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleEventStream pushes every new event to a websocket client as JSON.
// The module and type query parameters restrict the stream the same way they
// restrict handleEvents. Events are dropped for a client that cannot keep up.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ch := make(chan events.Event, streamBuffer)
	unsubscribe := s.deps.Events.SubscribeFiltered(filter, func(e events.Event) {
		select {
		case ch <- e:
		default:
			s.log.WithField("event", e.ID).Warn("event stream client too slow, dropping event")
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("event stream upgrade failed")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// eventFilter builds the event predicate for the module and type query
// parameters. Both are optional; when both are set an event must match both.
func eventFilter(q url.Values) (events.EventFilter, error) {
	var filters []events.EventFilter
	if raw := q.Get("module"); raw != "" {
		id, err := diamond.ParseModuleID(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, events.ByModule(events.ModuleHex(id)))
	}
	if t := q.Get("type"); t != "" {
		filters = append(filters, events.ByType(events.EventType(t)))
	}
	return events.MatchAll(filters...), nil
}
