package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/rtpfanout/internal/app"
	"github.com/dkeye/rtpfanout/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// EventsController streams session lifecycle events to websocket watchers.
type EventsController struct {
	Hub *app.Hub
}

func NewEventsController(hub *app.Hub) *EventsController {
	return &EventsController{Hub: hub}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *EventsController) HandleEvents(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	logger := log.With().Str("module", "signal").Str("remote", ws.RemoteAddr().String()).Logger()
	logger.Info().Msg("new events watcher")

	events, unwatch := ctl.Hub.Watch()
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, ws, events, &logger)
	go ctl.readPump(ws, func() {
		cancel()
		unwatch()
	}, &logger)
}

func (ctl *EventsController) writePump(ctx context.Context, ws *websocket.Conn, events <-chan domain.Event, logger *zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("writePump ctx done")
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				logger.Info().Msg("writePump channel closed")
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump only watches for the peer going away; watchers send nothing.
func (ctl *EventsController) readPump(ws *websocket.Conn, done func(), logger *zerolog.Logger) {
	defer done()
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error().Err(err).Msg("readPump read error")
			}
			logger.Info().Msg("readPump closing")
			return
		}
	}
}
