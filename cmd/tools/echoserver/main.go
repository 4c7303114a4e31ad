// Command echoserver runs a local channel endpoint for development and
// failure-mode testing. It speaks the wire protocol (ping/pong, subscribe,
// echo) and can inject faults through the chaos engine.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/channel"
	"main/internal/chaos"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	path := flag.String("path", "/ws", "websocket path")
	updateInterval := flag.Duration("update-interval", 5*time.Second, "state update interval for subscribed sessions")
	dropRate := flag.Float64("chaos-drop", 0, "probability an outbound frame is dropped")
	dupRate := flag.Float64("chaos-dup", 0, "probability an outbound frame is duplicated")
	maxDelay := flag.Duration("chaos-delay", 0, "max random delivery delay")
	disconnectRate := flag.Float64("chaos-disconnect", 0, "probability per inbound frame the connection is killed")
	seed := flag.Int64("chaos-seed", 0, "chaos rng seed (0=time)")
	flag.Parse()

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:           *seed,
		DropRate:       *dropRate,
		DuplicateRate:  *dupRate,
		MaxDelay:       *maxDelay,
		DisconnectRate: *disconnectRate,
	})
	if err != nil {
		logs.Errorf("echoserver: %v", err)
		os.Exit(1)
	}
	if *dropRate == 0 && *dupRate == 0 && *maxDelay == 0 && *disconnectRate == 0 {
		engine = nil
	}

	http.HandleFunc(*path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logs.Warnf("upgrade failed: %v", err)
			return
		}
		serve(conn, engine, *updateInterval)
	})

	logs.Infof("echoserver listening on %s%s", *addr, *path)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logs.Errorf("echoserver: %v", err)
		os.Exit(1)
	}
}

type session struct {
	conn   *websocket.Conn
	engine *chaos.Engine

	writeMu sync.Mutex

	mu         sync.Mutex
	subscribed map[string]chan struct{}
}

func serve(conn *websocket.Conn, engine *chaos.Engine, updateInterval time.Duration) {
	s := &session{
		conn:       conn,
		engine:     engine,
		subscribed: make(map[string]chan struct{}),
	}
	defer s.close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := channel.Decode(data)
		if err != nil {
			logs.Warnf("bad frame: %v", err)
			continue
		}
		if s.engine.ShouldDisconnect() {
			logs.Info("chaos: dropping connection")
			return
		}

		switch msg.Type {
		case channel.TypePing:
			s.write(channel.New(channel.TypePong, nil))
		case channel.TypeSubscribe:
			s.subscribe(sessionKey(msg), updateInterval)
		case channel.TypeUnsubscribe:
			s.unsubscribe(sessionKey(msg))
		case channel.TypeMessage:
			s.write(channel.New(channel.TypeMessage, map[string]any{
				"id":      uuid.NewString(),
				"echo_of": string(msg.Payload),
			}))
		default:
			logs.Warnf("unhandled frame type %q", msg.Type)
		}
	}
}

func (s *session) subscribe(key string, interval time.Duration) {
	s.mu.Lock()
	if _, exists := s.subscribed[key]; exists {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.subscribed[key] = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				s.write(channel.New(channel.TypeStateUpdate, map[string]any{
					"session_id": key,
					"sequence":   seq,
				}))
			}
		}
	}()
}

func (s *session) unsubscribe(key string) {
	s.mu.Lock()
	if stop, ok := s.subscribed[key]; ok {
		close(stop)
		delete(s.subscribed, key)
	}
	s.mu.Unlock()
}

func (s *session) close() {
	s.mu.Lock()
	for key, stop := range s.subscribed {
		close(stop)
		delete(s.subscribed, key)
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}

// write delivers a frame through the chaos engine.
func (s *session) write(msg channel.Message) {
	for _, out := range s.engine.Process(msg) {
		if delay := s.engine.Delay(); delay > 0 {
			time.Sleep(delay)
		}
		data, err := out.Encode()
		if err != nil {
			continue
		}
		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.TextMessage, data)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func sessionKey(msg channel.Message) string {
	var payload channel.SubscribePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.SessionID != "" {
			return payload.SessionID
		}
	}
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return "default"
}
