package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"viewer-relay/internal/hub"
	"viewer-relay/internal/registry"
	"viewer-relay/internal/status"
)

// EventsHandler streams device status events to signed-in clients.
type EventsHandler struct {
	Hub      *hub.Hub
	Registry *registry.Registry
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errWriterClosed   = errors.New("writer closed")
)

// wsWriter queues outgoing messages for a single write goroutine so that
// hub broadcasts never wait on a slow client. A client whose queue is full
// is dropped by the hub.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSWriter(conn *websocket.Conn, buffer int) *wsWriter {
	return &wsWriter{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (w *wsWriter) Write(message []byte) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

// run writes queued messages until the writer is closed or a write fails.
func (w *wsWriter) run() {
	for {
		select {
		case <-w.done:
			return
		case message := <-w.send:
			if err := w.write(message); err != nil {
				_ = w.Close()
				return
			}
		}
	}
}

func (w *wsWriter) write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn != nil {
			err = w.conn.Close()
		}
	})
	return err
}

func (h *EventsHandler) Serve(c *gin.Context) {
	sess, err := h.Registry.Authenticate(c.Query("uid"), c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"status": status.TokenMismatch})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := newWSWriter(ws, sendBuffer)
	go writer.run()
	conn := &hub.Connection{AccountID: sess.PublicID, Writer: writer}
	h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(conn)
		_ = writer.Close()
	}()

	ws.SetReadLimit(4096)
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					_ = writer.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(serverMessage{Type: "pong"})
			_ = writer.Write(out)
		}
	}
}
