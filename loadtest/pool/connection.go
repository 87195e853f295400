package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"talkspace/loadtest/generator"
	"talkspace/loadtest/metrics"
	"talkspace/server/model"
)

var (
	errTimeout        = errors.New("timed out waiting for acknowledgement")
	errConnectionLost = errors.New("connection lost")
)

// Rejected is an error event returned by the server. It is recorded as a
// failed step without retrying.
type Rejected struct {
	Code    string
	Message string
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Config struct {
	Host       string
	Workers    int
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
	Logger     zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// session is one websocket held for one username.
type session struct {
	ws     *websocket.Conn
	room   string
	frames chan model.Envelope
	done   chan struct{}
}

type Worker struct {
	ID        int
	Input     <-chan generator.Step
	Collector *metrics.Collector
	cfg       Config
	log       zerolog.Logger
	sessions  map[string]*session

	mu    sync.Mutex
	polls map[string][]string
	voted map[string]bool
}

func NewWorker(id int, input <-chan generator.Step, collector *metrics.Collector, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		ID:        id,
		Input:     input,
		Collector: collector,
		cfg:       cfg,
		log:       cfg.Logger.With().Int("worker", id).Logger(),
		sessions:  make(map[string]*session),
		polls:     make(map[string][]string),
		voted:     make(map[string]bool),
	}
}

func (w *Worker) Run(wg *sync.WaitGroup) {
	defer wg.Done()

	for step := range w.Input {
		w.processWithRetry(step)
	}
	for username := range w.sessions {
		w.drop(username)
	}
}

func (w *Worker) processWithRetry(step generator.Step) {
	for i := 0; i <= w.cfg.MaxRetries; i++ {
		start := time.Now()
		err := w.perform(step)
		rec := metrics.Record{
			Timestamp: start,
			Kind:      string(step.Kind),
			Latency:   time.Since(start),
			Status:    metrics.StatusOK,
			Room:      step.Room,
		}
		if err == nil {
			w.Collector.Record(rec)
			return
		}

		var rejected *Rejected
		if errors.As(err, &rejected) {
			rec.Status = rejected.Code
			w.Collector.Record(rec)
			return
		}

		w.log.Warn().Err(err).
			Str("user", step.Username).
			Str("kind", string(step.Kind)).
			Msgf("step failed (attempt %d/%d)", i+1, w.cfg.MaxRetries+1)

		// reconnect on the next attempt
		w.drop(step.Username)

		if i == w.cfg.MaxRetries {
			rec.Status = metrics.StatusError
			rec.Latency = 0
			w.Collector.Record(rec)
			return
		}
		w.Collector.RecordRetry()
		time.Sleep(w.cfg.BaseDelay << i)
	}
}

func (w *Worker) perform(step generator.Step) error {
	if step.Kind == generator.KindLeave {
		w.drop(step.Username)
		return nil
	}

	s, joined, err := w.enter(step.Username, step.Room)
	if err != nil {
		return err
	}

	switch step.Kind {
	case generator.KindJoin:
		if joined {
			return nil
		}
		return w.rejoin(s, step.Username, step.Room)

	case generator.KindMessage:
		req := model.SendMessageRequest{Room: step.Room, Username: step.Username, Message: step.Text}
		return w.roundTrip(s, req, func(env model.Envelope) bool {
			if env.Event != model.EventMessage {
				return false
			}
			var msg model.Message
			return json.Unmarshal(env.Data, &msg) == nil && msg.Author == step.Username && msg.Body == step.Text
		})

	case generator.KindMarkSeen:
		req := model.MarkSeenRequest{Room: step.Room, Username: step.Username}
		return w.roundTrip(s, req, isEvent(model.EventMessageSeen))

	case generator.KindPoll:
		req := model.CreatePollRequest{
			Room:     step.Room,
			Username: step.Username,
			Question: step.Text,
			Options:  []string{"Yes", "No", "Maybe"},
		}
		return w.roundTrip(s, req, func(env model.Envelope) bool {
			if env.Event != model.EventPollCreated {
				return false
			}
			var p model.Poll
			return json.Unmarshal(env.Data, &p) == nil && p.CreatedBy == step.Username
		})

	case generator.KindVote:
		pollID := w.unvotedPoll(step.Username, step.Room)
		if pollID == "" {
			return w.roundTrip(s, model.GetPollsRequest{Room: step.Room}, isEvent(model.EventPolls))
		}
		req := model.VotePollRequest{PollID: pollID, Username: step.Username, OptionIndex: rand.IntN(3)}
		if err := w.roundTrip(s, req, isEvent(model.EventPolls)); err != nil {
			return err
		}
		w.mu.Lock()
		w.voted[step.Username+"/"+pollID] = true
		w.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// enter returns the user's session in room and whether it just joined.
// A new connection goes through the room route, which joins on upgrade.
func (w *Worker) enter(username, room string) (*session, bool, error) {
	if s, ok := w.sessions[username]; ok {
		if s.room == room {
			return s, false, nil
		}
		if err := w.rejoin(s, username, room); err != nil {
			return nil, false, err
		}
		return s, true, nil
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     w.cfg.Host,
		Path:     "/chat/" + url.PathEscape(room),
		RawQuery: url.Values{"username": {username}}.Encode(),
	}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, false, err
	}
	w.Collector.RecordConnection()

	s := &session{
		ws:     ws,
		room:   room,
		frames: make(chan model.Envelope, 256),
		done:   make(chan struct{}),
	}
	go w.read(s)

	if err := w.await(s, isEvent(model.EventMessageHistory)); err != nil {
		ws.Close()
		return nil, false, err
	}
	w.sessions[username] = s
	return s, true, nil
}

func (w *Worker) rejoin(s *session, username, room string) error {
	if err := w.roundTrip(s, model.JoinRoomRequest{Username: username, Room: room}, isEvent(model.EventMessageHistory)); err != nil {
		return err
	}
	s.room = room
	return nil
}

// read pumps frames off the socket so the server never blocks on this
// connection. Frames are dropped when nobody is waiting for them.
func (w *Worker) read(s *session) {
	defer close(s.done)
	for {
		var env model.Envelope
		if err := s.ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == model.EventPollCreated {
			w.trackPoll(env.Data)
		}
		select {
		case s.frames <- env:
		default:
		}
	}
}

func (w *Worker) roundTrip(s *session, req model.Request, match func(model.Envelope) bool) error {
	frame, err := model.NewEnvelope(req.EventName(), req)
	if err != nil {
		return err
	}

	// discard anything that arrived before this request
	for len(s.frames) > 0 {
		<-s.frames
	}

	s.ws.SetWriteDeadline(time.Now().Add(w.cfg.Timeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	return w.await(s, match)
}

// await consumes frames until match accepts one. An error event fails the
// step with the server's code.
func (w *Worker) await(s *session, match func(model.Envelope) bool) error {
	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	check := func(env model.Envelope) (bool, error) {
		if env.Event == model.EventError {
			var p model.ErrorPayload
			json.Unmarshal(env.Data, &p)
			return true, &Rejected{Code: p.Code, Message: p.Message}
		}
		return match(env), nil
	}

	for {
		select {
		case env := <-s.frames:
			if ok, err := check(env); ok {
				return err
			}
		case <-s.done:
			for {
				select {
				case env := <-s.frames:
					if ok, err := check(env); ok {
						return err
					}
				default:
					return errConnectionLost
				}
			}
		case <-timer.C:
			return errTimeout
		}
	}
}

func (w *Worker) drop(username string) {
	s, ok := w.sessions[username]
	if !ok {
		return
	}
	delete(w.sessions, username)
	s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.ws.Close()
}

func (w *Worker) trackPoll(data json.RawMessage) {
	var p model.Poll
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.polls[p.RoomID] {
		if id == p.ID {
			return
		}
	}
	w.polls[p.RoomID] = append(w.polls[p.RoomID], p.ID)
}

// unvotedPoll returns the newest poll in room this worker has not voted on
// as username.
func (w *Worker) unvotedPoll(username, room string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := w.polls[room]
	for i := len(ids) - 1; i >= 0; i-- {
		if !w.voted[username+"/"+ids[i]] {
			return ids[i]
		}
	}
	return ""
}

func isEvent(name string) func(model.Envelope) bool {
	return func(env model.Envelope) bool { return env.Event == name }
}

type Pool struct {
	Input     <-chan generator.Step
	Collector *metrics.Collector
	cfg       Config
}

func NewPool(cfg Config, input <-chan generator.Step, collector *metrics.Collector) *Pool {
	return &Pool{
		Input:     input,
		Collector: collector,
		cfg:       cfg.withDefaults(),
	}
}

// Run blocks until the input is drained and every worker has closed its
// connections.
func (p *Pool) Run() {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		worker := NewWorker(i, p.Input, p.Collector, p.cfg)
		go worker.Run(&wg)
	}
	wg.Wait()
}
