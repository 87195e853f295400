package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"talkspace/server/blob"
	"talkspace/server/chat"
	"talkspace/server/model"
	"talkspace/server/notify"
	"talkspace/server/poll"
	"talkspace/server/ratelimit"
	"talkspace/server/room"
	"talkspace/server/store"
)

type fixture struct {
	ts      *httptest.Server
	store   *store.Memory
	uploads string
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	log := zerolog.Nop()
	st := store.NewMemory()
	rooms := room.NewManager(log)
	uploads := t.TempDir()
	blobs, err := blob.Open(context.Background(), "file://"+filepath.ToSlash(uploads), "", 1<<20)
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	srv := NewServer(Deps{
		Rooms:          rooms,
		Chat:           chat.NewManager(st, rooms, log),
		Polls:          poll.NewEngine(st, rooms, log),
		Notify:         notify.NewEngine(st, rooms, log),
		Blobs:          blobs,
		Limiter:        limiter,
		Checks:         map[string]Pinger{"store": st, "blob": blobs},
		Logger:         log,
		MaxUploadBytes: 1 << 20,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, uploads: uploads}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(t *testing.T, path string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// join connects through /ws, joins roomID and waits for the history.
func (f *fixture) join(t *testing.T, username, roomID string) *wsClient {
	t.Helper()
	c := f.dial(t, "/ws")
	c.send(model.EventJoinRoom, model.JoinRoomRequest{Username: username, Room: roomID})
	c.expect(model.EventMessageHistory)
	return c
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteJSON(model.Envelope{Event: event, Data: raw}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one named event arrives.
func (c *wsClient) expect(event string) model.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env model.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func (c *wsClient) expectError(code string) model.ErrorPayload {
	c.t.Helper()
	env := c.expect(model.EventError)
	var p model.ErrorPayload
	json.Unmarshal(env.Data, &p)
	if p.Code != code {
		c.t.Fatalf("expected error code %s, got %+v", code, p)
	}
	return p
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestRoomRouteJoinsAndDeliversHistory(t *testing.T) {
	f := newFixture(t, nil)

	alice := f.dial(t, "/chat/r1?username=alice")
	history := decode[[]model.Message](t, alice.expect(model.EventMessageHistory).Data)
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "alice", Message: "hi"})
	msg := decode[model.Message](t, alice.expect(model.EventMessage).Data)
	if msg.Body != "hi" || msg.Author != "alice" {
		t.Errorf("unexpected message %+v", msg)
	}

	bob := f.dial(t, "/ws")
	bob.send(model.EventJoinRoom, model.JoinRoomRequest{Username: "bob", Room: "r1"})
	history = decode[[]model.Message](t, bob.expect(model.EventMessageHistory).Data)
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Errorf("bob should receive the existing message, got %+v", history)
	}

	notice := decode[model.SystemNotice](t, alice.expect(model.EventSystem).Data)
	if notice.Message != "bob has joined the room." || notice.Username != model.SystemUsername {
		t.Errorf("unexpected notice %+v", notice)
	}
}

func TestRoomRouteRequiresUsername(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/chat/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRoomRouteValidatesJoin(t *testing.T) {
	f := newFixture(t, nil)
	base := "ws" + strings.TrimPrefix(f.ts.URL, "http")

	for _, tc := range []struct {
		name, room, username string
	}{
		{"reserved username", "r1", "System"},
		{"blank username", "r1", "   "},
		{"long username", "r1", strings.Repeat("u", 65)},
		{"long room", strings.Repeat("r", 101), "alice"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			u := base + "/chat/" + url.PathEscape(tc.room) + "?" + url.Values{"username": {tc.username}}.Encode()
			conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
			if err == nil {
				conn.Close()
				t.Fatal("expected the upgrade to be refused")
			}
			if resp == nil || resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", resp)
			}
		})
	}

	// a refused impostor never reaches the room
	bob := f.join(t, "bob", "r1")
	if _, _, err := websocket.DefaultDialer.Dial(base+"/chat/r1?username=System", nil); err == nil {
		t.Fatal("System must not be able to join")
	}
	bob.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "bob", Message: "still here"})
	env := bob.expect(model.EventMessage)
	if msg := decode[model.Message](t, env.Data); msg.Author != "bob" {
		t.Fatalf("unexpected author %q", msg.Author)
	}
}

func TestRoomNamesAreTrimmed(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.join(t, "alice", " r1")

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: " r1", Username: "alice", Message: "hi"})
	env := alice.expect(model.EventMessage)
	if msg := decode[model.Message](t, env.Data); msg.RoomID != "r1" {
		t.Fatalf("expected room r1, got %q", msg.RoomID)
	}

	alice.send(model.EventMarkSeen, model.MarkSeenRequest{Room: "r1 ", Username: "alice"})
	alice.expect(model.EventMessageSeen)

	alice.send(model.EventCreatePoll, model.CreatePollRequest{Room: " r1 ", Username: "alice", Question: "Q?", Options: []string{"A", "B"}})
	env = alice.expect(model.EventPollCreated)
	if p := decode[model.Poll](t, env.Data); p.RoomID != "r1" {
		t.Fatalf("expected poll in r1, got %q", p.RoomID)
	}
}

func TestRejectedSendStoresNoAttachment(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.join(t, "alice", "r1")
	file := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png bytes"))

	alice.send(model.EventSendMessage, model.SendMessageRequest{
		Room:     "r1",
		Username: "alice",
		Message:  strings.Repeat("x", chat.MaxBodyBytes+1),
		File:     file,
	})
	alice.expectError("invalid_input")

	entries, err := os.ReadDir(f.uploads)
	if err != nil {
		t.Fatalf("read uploads: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected send left %d objects behind", len(entries))
	}

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "alice", Message: "photo", File: file})
	env := alice.expect(model.EventMessage)
	if msg := decode[model.Message](t, env.Data); !strings.HasPrefix(msg.Attachment, blob.PathPrefix) {
		t.Fatalf("expected a stored attachment, got %q", msg.Attachment)
	}
}

func TestNotificationFanOut(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.join(t, "alice", "r1")
	bob := f.join(t, "bob", "r1")
	carol := f.join(t, "carol", "r1")

	carol.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "carol", Message: "hello"})

	for name, c := range map[string]*wsClient{"alice": alice, "bob": bob} {
		n := decode[model.Notification](t, c.expect(model.EventNotification).Data)
		if n.Text != "carol sent a new message in room no: r1." {
			t.Errorf("%s: unexpected text %q", name, n.Text)
		}
		c.expect(model.EventPlaySound)
	}

	for _, who := range []string{"alice", "bob"} {
		resp, err := http.Get(f.ts.URL + "/api/notifications/" + who)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		list := decode[[]model.Notification](t, readBody(t, resp))
		if len(list) != 1 || fmt.Sprint(list[0].Recipients) != "[alice bob]" {
			t.Errorf("%s inbox unexpected: %+v", who, list)
		}
	}

	resp, _ := http.Get(f.ts.URL + "/api/notifications/carol")
	if list := decode[[]model.Notification](t, readBody(t, resp)); len(list) != 0 {
		t.Errorf("the sender must not be notified, got %+v", list)
	}
}

func TestIdentityIsBoundToConnection(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.join(t, "alice", "r1")

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "bob", Message: "spoof"})
	alice.expectError("unauthorized")

	alice.send(model.EventJoinRoom, model.JoinRoomRequest{Username: "bob", Room: "r2"})
	alice.expectError("unauthorized")

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r2", Username: "alice", Message: "elsewhere"})
	alice.expectError("unauthorized")

	stranger := f.dial(t, "/ws")
	stranger.send(model.EventMarkSeen, model.MarkSeenRequest{Room: "r1", Username: "mallory"})
	stranger.expectError("unauthorized")
}

func TestInvalidFrames(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t, "/ws")

	c.conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	c.expectError("invalid_input")

	c.send("shout", map[string]string{})
	c.expectError("invalid_input")

	c.send(model.EventJoinRoom, model.JoinRoomRequest{Username: "", Room: "r1"})
	c.expectError("invalid_input")
}

func TestMessageLifecycleEvents(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.join(t, "alice", "r1")
	bob := f.join(t, "bob", "r1")

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "alice", Message: "hi"})
	msg := decode[model.Message](t, bob.expect(model.EventMessage).Data)

	alice.send(model.EventUpdateMessage, model.UpdateMessageRequest{MessageID: msg.ID, Username: "alice", NewContent: "hello"})
	update := decode[model.MessageUpdate](t, bob.expect(model.EventMessageUpdated).Data)
	if update.MessageID != msg.ID || update.NewBody != "hello" {
		t.Errorf("unexpected update %+v", update)
	}

	bob.send(model.EventUpdateMessage, model.UpdateMessageRequest{MessageID: msg.ID, Username: "bob", NewContent: "hijack"})
	bob.expectError("unauthorized")

	bob.send(model.EventMarkSeen, model.MarkSeenRequest{Room: "r1", Username: "bob"})
	seen := decode[[]model.Message](t, alice.expect(model.EventMessageSeen).Data)
	if len(seen) != 1 || !seen[0].HasSeen("bob") {
		t.Errorf("expected bob in seenBy, got %+v", seen)
	}

	bob.send(model.EventDeleteMessage, model.DeleteMessageRequest{MessageID: msg.ID, Username: "bob", IsAdmin: true})
	deleted := decode[string](t, alice.expect(model.EventMessageDeleted).Data)
	if deleted != msg.ID {
		t.Errorf("expected %s deleted, got %s", msg.ID, deleted)
	}

	alice.send(model.EventDeleteMessage, model.DeleteMessageRequest{MessageID: msg.ID, Username: "alice"})
	alice.expectError("not_found")
}

func TestPollEvents(t *testing.T) {
	f := newFixture(t, nil)
	bob := f.join(t, "bob", "r1")
	alice := f.join(t, "alice", "r1")

	bob.send(model.EventCreatePoll, model.CreatePollRequest{Room: "r1", Username: "bob", Question: "Pick", Options: []string{"A", "B"}})
	p := decode[model.Poll](t, alice.expect(model.EventPollCreated).Data)
	n := decode[model.Notification](t, alice.expect(model.EventNotification).Data)
	if n.Category != model.CategoryNewPoll || n.Text != "bob created a new poll in room no: r1." {
		t.Errorf("unexpected poll notification %+v", n)
	}

	alice.send(model.EventVotePoll, model.VotePollRequest{PollID: p.ID, Username: "alice", OptionIndex: 0})
	polls := decode[[]model.Poll](t, bob.expect(model.EventPolls).Data)
	// bob also received the list broadcast on creation; read until the vote shows
	for polls[0].TotalVotes() == 0 {
		polls = decode[[]model.Poll](t, bob.expect(model.EventPolls).Data)
	}
	if polls[0].Options[0].Votes != 1 || fmt.Sprint(polls[0].Voters) != "[alice]" {
		t.Errorf("unexpected tally %+v", polls[0])
	}

	alice.send(model.EventVotePoll, model.VotePollRequest{PollID: p.ID, Username: "alice", OptionIndex: 1})
	alice.expectError("already_voted")

	alice.send(model.EventGetPolls, model.GetPollsRequest{Room: "r1"})
	polls = decode[[]model.Poll](t, alice.expect(model.EventPolls).Data)
	for polls[0].TotalVotes() != 1 {
		polls = decode[[]model.Poll](t, alice.expect(model.EventPolls).Data)
	}
	if polls[0].Options[1].Votes != 0 {
		t.Errorf("rejected vote changed the tally: %+v", polls[0])
	}
}

func TestRateLimitedEvents(t *testing.T) {
	f := newFixture(t, ratelimit.NewLocal(1, time.Hour))
	alice := f.join(t, "alice", "r1")

	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "alice", Message: "one"})
	alice.expect(model.EventMessage)
	alice.send(model.EventSendMessage, model.SendMessageRequest{Room: "r1", Username: "alice", Message: "two"})
	alice.expectError("rate_limited")
}

func TestInboxRoutes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.MergeNotification(ctx, &model.Notification{
		ID: "n1", Recipients: []string{"alice", "bob"}, Text: "x",
		Category: model.CategoryNewMessage, RoomID: "r1", OriginID: "m1", CreatedAt: time.Now(),
	})
	f.store.MergeNotification(ctx, &model.Notification{
		ID: "n2", Recipients: []string{"alice"}, Text: "y",
		Category: model.CategoryNewMessage, RoomID: "r1", OriginID: "m2", CreatedAt: time.Now(),
	})

	resp := do(t, http.MethodPut, f.ts.URL+"/api/notifications/n1/read", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d", resp.StatusCode)
	}
	if n := decode[model.Notification](t, readBody(t, resp)); !n.Read {
		t.Error("expected read flag")
	}

	resp = do(t, http.MethodPut, f.ts.URL+"/api/notifications/missing/read", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/notifications/removeUser/n1", strings.NewReader(`{"username":"alice"}`))
	removed := decode[RemoveResponse](t, readBody(t, resp))
	if removed.Deleted || removed.Notification == nil || fmt.Sprint(removed.Notification.Recipients) != "[bob]" {
		t.Errorf("unexpected remove result %+v", removed)
	}

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/notifications/n1?username=bob", nil)
	removed = decode[RemoveResponse](t, readBody(t, resp))
	if !removed.Deleted {
		t.Errorf("record should be deleted with its last recipient, got %+v", removed)
	}

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/notifications/n1?username=bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/notifications/n2", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing username should be 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/notifications/user/alice", nil)
	if all := decode[RemoveAllResponse](t, readBody(t, resp)); all.Removed != 1 {
		t.Errorf("expected 1 removed, got %+v", all)
	}

	resp = do(t, http.MethodGet, f.ts.URL+"/api/notifications/alice", nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("expected empty list, got %d %s", resp.StatusCode, body)
	}
}

func TestUploadRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "photo.jpg")
	part.Write([]byte("jpeg bytes"))
	mw.Close()

	resp, err := http.Post(f.ts.URL+"/api/uploads", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	up := decode[UploadResponse](t, readBody(t, resp))

	resp, err = http.Get(f.ts.URL + up.FileURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := readBody(t, resp)
	if string(body) != "jpeg bytes" || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("unexpected download %q %s", body, resp.Header.Get("Content-Type"))
	}

	buf.Reset()
	mw = multipart.NewWriter(&buf)
	part, _ = mw.CreateFormFile("file", "script.sh")
	part.Write([]byte("#!/bin/sh"))
	mw.Close()
	resp, _ = http.Post(f.ts.URL+"/api/uploads", mw.FormDataContentType(), &buf)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("disallowed type should be 400, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h := decode[HealthResponse](t, readBody(t, resp))
	if resp.StatusCode != http.StatusOK || h.Status != "UP" || h.Checks["store"].Status != "UP" {
		t.Errorf("unexpected health %d %+v", resp.StatusCode, h)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "", true},
		{nil, "http://chat.example", true},
		{nil, "http://evil.example", false},
		{[]string{"http://app.example"}, "http://app.example", true},
		{[]string{"*"}, "http://evil.example", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://chat.example/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(tt.allowed)(r); got != tt.want {
			t.Errorf("allowed=%v origin=%q: got %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func do(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}
