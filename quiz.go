// Quizz realtime game coordinator
//
// One admin client creates a room and drives a shared question sequence;
// any number of player clients join by room code and answer each question.
// Scores are tallied and ranked live.
//
// Features:
// - Single WebSocket endpoint: /ws, events multiplexed by room code
// - The connection that creates a room is its admin; only the admin can
//   start the game, advance/jump questions, clear screens or finalize
// - Players identified by display name, unique per room
// - Choice questions graded by exact match, text questions by trimmed
//   case-insensitive match against the accepted answers
// - Live ranking and a per-player per-question answer log pushed to the admin
// - Rooms auto-evicted after a configurable idle timeout
// - Random 5-char uppercase room codes via crypto/rand, with server-side
//   collision check
// - In-browser QR button to share a room, backed by go-qrcode

package main

import (
	"crypto/rand"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Player is one named participant in a room.
type Player struct {
	Name        string `json:"name"`
	Score       int    `json:"score"`
	LastCorrect *bool  `json:"last_correct"` // nil until the player answers the current question
}

// ClientMessage is the inbound wire envelope. Exactly one event per message,
// discriminated by Type; unused fields are omitted.
type ClientMessage struct {
	Type   string `json:"type"`              // "create_room", "join", "start", "next_question", "force_end", "answer", "clear_screens", "goto_question", "finalize"
	RoomID string `json:"room_id,omitempty"` // all but create_room
	Name   string `json:"name,omitempty"`    // join / answer
	Answer string `json:"answer,omitempty"`  // answer
	Number int    `json:"number,omitempty"`  // goto_question (1-based)
}

// RoomCreatedMessage replies to the creating connection with the new room code.
type RoomCreatedMessage struct {
	Type   string `json:"type"` // "room_created"
	RoomID string `json:"room_id"`
}

// ErrorMessage is for user-visible failures (unknown room on join,
// unauthorized admin operations, invalid payloads).
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// DuplicateNameMessage is sent only to a joiner whose display name is taken.
type DuplicateNameMessage struct {
	Type    string `json:"type"` // "duplicate_name"
	Message string `json:"message"`
}

// PlayersUpdatedMessage broadcasts the full player map, keyed by display name.
// Players holds copies, not live room state.
type PlayersUpdatedMessage struct {
	Type    string            `json:"type"` // "players_updated"
	Players map[string]Player `json:"players"`
}

// GeneralMessage is for generic room-wide notices.
type GeneralMessage struct {
	Type    string `json:"type"` // "general_message"
	Message string `json:"message"`
}

// ScreenMessage resets a single player's screen to their name and score.
// Sent as "show_question_screen" on game start and "clear_question_screen"
// before each question.
type ScreenMessage struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// NewQuestionMessage carries a question to a player.
type NewQuestionMessage struct {
	Type    string   `json:"type"` // "new_question"
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
	Kind    string   `json:"kind"`
	Number  int      `json:"number"` // 1-based
}

// AdminQuestionMessage is the admin's richer view of the current question.
type AdminQuestionMessage struct {
	Type    string   `json:"type"` // "question_for_admin"
	Number  int      `json:"number"`
	Prompt  string   `json:"prompt"`
	Kind    string   `json:"kind"`
	Options []string `json:"options"`
}

// SignalMessage is a bare event with no payload ("force_end", "clear_screen").
type SignalMessage struct {
	Type string `json:"type"`
}

// AnswerResultMessage informs a player about their own submission.
type AnswerResultMessage struct {
	Type    string `json:"type"` // "answer_result"
	Correct bool   `json:"correct"`
	Score   int    `json:"score"`
}

type RankingEntry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// RankingMessage carries players sorted by descending score. Sent to the
// admin as "ranking" after every answer, and to the whole room as
// "final_ranking" on finalize.
type RankingMessage struct {
	Type    string         `json:"type"`
	Entries []RankingEntry `json:"entries"`
}

// AnswersDetailMessage is the admin-only per-player per-question log. A nil
// slot means the player never answered that question.
type AnswersDetailMessage struct {
	Type    string            `json:"type"` // "answers_detail"
	Answers map[string][]*int `json:"answers"`
}

// GameOverMessage announces that the question bank is exhausted.
type GameOverMessage struct {
	Type    string            `json:"type"` // "game_over"
	Players map[string]Player `json:"players"`
}

// Commands posted to the coordinator's event channel, one type per inbound
// event. Fields with validate tags are checked on the dispatch goroutine
// before the handler runs.

type connectCmd struct {
	client *Client
}

type disconnectCmd struct {
	client *Client
}

type createRoomCmd struct {
	client *Client
}

type joinCmd struct {
	client *Client
	RoomID string `validate:"required"`
	Name   string `validate:"required,max=64"`
}

type startCmd struct {
	client *Client
	roomID string
}

type nextQuestionCmd struct {
	client *Client
	roomID string
}

type forceEndCmd struct {
	client *Client
	roomID string
}

type answerCmd struct {
	client *Client
	RoomID string `validate:"required"`
	Name   string `validate:"required,max=64"`
	Answer string
}

type clearScreensCmd struct {
	client *Client
	roomID string
}

type gotoQuestionCmd struct {
	client *Client
	roomID string
	number int
}

type finalizeCmd struct {
	client *Client
	roomID string
}

type sweepCmd struct {
	cutoff time.Time
}

// Client is one websocket connection. conn is nil in tests.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan any
}

type roomPhase string

const (
	phaseWaiting  roomPhase = "waiting"
	phasePlaying  roomPhase = "playing"
	phaseFinished roomPhase = "finished"
)

// Room is one game session. All fields are owned by the coordinator's
// dispatch goroutine; adminID never changes after creation.
type Room struct {
	id      string
	adminID string
	players map[string]*Player // connection id -> player
	phase   roomPhase

	// next is the index of the next question to send; asked is the index of
	// the question currently awaiting answers, -1 before any send.
	next  int
	asked int

	// answers holds per-question marks by player name; nil slots were never
	// answered.
	answers map[string][]*int

	createdAt  time.Time
	lastActive time.Time
}

func (r *Room) touch() {
	r.lastActive = time.Now()
}

func (r *Room) playerByName(name string) *Player {
	for _, p := range r.players {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// playerMap returns players keyed by display name. The values are copies:
// outbound messages are marshaled on each client's write goroutine, so they
// must never reference room state the dispatch goroutine keeps mutating.
func (r *Room) playerMap() map[string]Player {
	m := make(map[string]Player, len(r.players))
	for _, p := range r.players {
		m[p.Name] = *p
	}
	return m
}

// answersSnapshot deep-copies the answer log, marks included, for the same
// reason playerMap copies players.
func (r *Room) answersSnapshot() map[string][]*int {
	out := make(map[string][]*int, len(r.answers))
	for name, marks := range r.answers {
		copied := make([]*int, len(marks))
		for i, m := range marks {
			if m != nil {
				v := *m
				copied[i] = &v
			}
		}
		out[name] = copied
	}
	return out
}

// ranking returns players by descending score. Ordering among equal scores
// is unspecified.
func (r *Room) ranking() []RankingEntry {
	entries := make([]RankingEntry, 0, len(r.players))
	for _, p := range r.players {
		entries = append(entries, RankingEntry{Name: p.Name, Score: p.Score})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	return entries
}

// Coordinator owns the room registry and every connected client. All state
// is mutated on a single dispatch goroutine fed by the events channel, so no
// locking is needed anywhere in the game logic.
type Coordinator struct {
	cfg     *Config
	bank    []Question
	events  chan any
	rooms   map[string]*Room
	clients map[string]*Client // connection id -> client
}

func newCoordinator(cfg *Config, bank []Question) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		bank:    bank,
		events:  make(chan any, 64),
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
	}
}

func (co *Coordinator) run() {
	for event := range co.events {
		co.dispatch(event)
	}
}

func (co *Coordinator) dispatch(event any) {
	switch cmd := event.(type) {
	case connectCmd:
		co.clients[cmd.client.id] = cmd.client

	case disconnectCmd:
		co.dropClient(cmd.client)

	case createRoomCmd:
		co.handleCreateRoom(cmd)

	case joinCmd:
		if err := validate.Struct(cmd); err != nil {
			co.push(cmd.client, ErrorMessage{Type: "error", Message: "invalid join request"})
			return
		}
		co.handleJoin(cmd)

	case startCmd:
		co.handleStart(cmd)

	case nextQuestionCmd:
		co.handleNextQuestion(cmd)

	case forceEndCmd:
		co.handleForceEnd(cmd)

	case answerCmd:
		if err := validate.Struct(cmd); err != nil {
			co.push(cmd.client, ErrorMessage{Type: "error", Message: "invalid answer submission"})
			return
		}
		co.handleAnswer(cmd)

	case clearScreensCmd:
		co.handleClearScreens(cmd)

	case gotoQuestionCmd:
		co.handleGotoQuestion(cmd)

	case finalizeCmd:
		co.handleFinalize(cmd)

	case sweepCmd:
		co.handleSweep(cmd)
	}
}

// push queues a message for a client, evicting it if its send buffer is full.
func (co *Coordinator) push(c *Client, msg any) {
	if _, ok := co.clients[c.id]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		co.dropClient(c)
	}
}

// dropClient disconnects a client and removes its player entry from every
// room. Rooms survive player departure; an admin's room survives too, it
// just can no longer be driven.
func (co *Coordinator) dropClient(c *Client) {
	if _, ok := co.clients[c.id]; !ok {
		return
	}

	delete(co.clients, c.id)
	close(c.send)

	for _, room := range co.rooms {
		if _, ok := room.players[c.id]; !ok {
			continue
		}
		delete(room.players, c.id)
		room.touch()
		co.broadcast(room, PlayersUpdatedMessage{Type: "players_updated", Players: room.playerMap()})
	}
}

// broadcast sends to every connected member of the room, admin included.
func (co *Coordinator) broadcast(room *Room, msg any) {
	if admin, ok := co.clients[room.adminID]; ok {
		co.push(admin, msg)
	}
	for id := range room.players {
		if c, ok := co.clients[id]; ok {
			co.push(c, msg)
		}
	}
}

// pushAdmin sends to the room's admin connection only.
func (co *Coordinator) pushAdmin(room *Room, msg any) {
	if admin, ok := co.clients[room.adminID]; ok {
		co.push(admin, msg)
	}
}

const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomIDLength   = 5
)

// newRoomID generates a crypto-random room code and ensures it doesn't
// collide with existing rooms.
func (co *Coordinator) newRoomID() string {
	for {
		buf := make([]byte, roomIDLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomIDLength)
		for i := range out {
			out[i] = roomIDAlphabet[int(buf[i])%len(roomIDAlphabet)]
		}
		id := string(out)

		if _, exists := co.rooms[id]; !exists {
			return id
		}
	}
}

func (co *Coordinator) handleCreateRoom(cmd createRoomCmd) {
	now := time.Now()
	room := &Room{
		id:         co.newRoomID(),
		adminID:    cmd.client.id,
		players:    make(map[string]*Player),
		phase:      phaseWaiting,
		next:       0,
		asked:      -1,
		answers:    make(map[string][]*int),
		createdAt:  now,
		lastActive: now,
	}
	co.rooms[room.id] = room

	logf(co.cfg, "ROOMS: Created room %s", room.id)

	co.push(cmd.client, RoomCreatedMessage{Type: "room_created", RoomID: room.id})
}

func (co *Coordinator) handleJoin(cmd joinCmd) {
	room, ok := co.rooms[cmd.RoomID]
	if !ok {
		co.push(cmd.client, ErrorMessage{Type: "error", Message: "room not found"})
		return
	}

	room.touch()

	if room.playerByName(cmd.Name) != nil {
		co.push(cmd.client, DuplicateNameMessage{
			Type:    "duplicate_name",
			Message: "that name is already taken in this room, pick another",
		})
		return
	}

	room.players[cmd.client.id] = &Player{Name: cmd.Name}

	logf(co.cfg, "ROOMS: Player %q joined %s", cmd.Name, room.id)

	co.broadcast(room, PlayersUpdatedMessage{Type: "players_updated", Players: room.playerMap()})
}

// adminRoom resolves a room and verifies the caller is its admin. Missing
// rooms are silent no-ops; unauthorized callers always get an error notice.
func (co *Coordinator) adminRoom(c *Client, roomID string) (*Room, bool) {
	room, ok := co.rooms[roomID]
	if !ok {
		return nil, false
	}

	room.touch()

	if room.adminID != c.id {
		co.push(c, ErrorMessage{Type: "error", Message: "you are not the room admin"})
		return nil, false
	}

	return room, true
}

func (co *Coordinator) handleStart(cmd startCmd) {
	room, ok := co.adminRoom(cmd.client, cmd.roomID)
	if !ok {
		return
	}

	room.phase = phasePlaying
	room.next = 0
	room.asked = -1

	logf(co.cfg, "ROOMS: Game started in %s", room.id)

	co.broadcast(room, GeneralMessage{
		Type:    "general_message",
		Message: "The admin started the game. First question coming up!",
	})

	for id, p := range room.players {
		if c, ok := co.clients[id]; ok {
			co.push(c, ScreenMessage{Type: "show_question_screen", Name: p.Name, Score: p.Score})
		}
	}

	co.sendQuestion(room)
}

func (co *Coordinator) handleNextQuestion(cmd nextQuestionCmd) {
	room, ok := co.adminRoom(cmd.client, cmd.roomID)
	if !ok {
		return
	}

	co.sendQuestion(room)
}

// sendQuestion pushes the question at room.next to everyone, or the
// end-of-game broadcast when the bank is exhausted.
func (co *Coordinator) sendQuestion(room *Room) {
	if room.next >= len(co.bank) {
		co.broadcast(room, GameOverMessage{Type: "game_over", Players: room.playerMap()})
		return
	}

	q := co.bank[room.next]
	number := room.next + 1

	for id, p := range room.players {
		c, ok := co.clients[id]
		if !ok {
			continue
		}

		co.push(c, ScreenMessage{Type: "clear_question_screen", Name: p.Name, Score: p.Score})
		co.push(c, NewQuestionMessage{
			Type:    "new_question",
			Prompt:  q.Prompt,
			Options: q.Options,
			Kind:    q.Kind,
			Number:  number,
		})
	}

	options := q.Options
	if options == nil {
		options = []string{}
	}
	co.pushAdmin(room, AdminQuestionMessage{
		Type:    "question_for_admin",
		Number:  number,
		Prompt:  q.Prompt,
		Kind:    q.Kind,
		Options: options,
	})

	for _, p := range room.players {
		p.LastCorrect = nil
	}

	room.asked = room.next
	room.next++
}

func (co *Coordinator) handleForceEnd(cmd forceEndCmd) {
	room, ok := co.adminRoom(cmd.client, cmd.roomID)
	if !ok {
		return
	}

	// Advisory only; no score or question state changes.
	for id := range room.players {
		if c, ok := co.clients[id]; ok {
			co.push(c, SignalMessage{Type: "force_end"})
		}
	}
}

func (co *Coordinator) handleAnswer(cmd answerCmd) {
	room, ok := co.rooms[cmd.RoomID]
	if !ok {
		return
	}

	room.touch()

	player := room.playerByName(cmd.Name)
	if player == nil {
		return
	}

	if room.asked < 0 || room.asked >= len(co.bank) {
		return
	}

	correct := co.bank[room.asked].Check(cmd.Answer)

	// A resubmission overwrites: back out the previous mark's contribution
	// before applying the new one, so score always equals the count of
	// questions whose latest answer was correct.
	marks := room.answers[player.Name]
	for len(marks) <= room.asked {
		marks = append(marks, nil)
	}
	if prev := marks[room.asked]; prev != nil && *prev == 1 {
		player.Score--
	}

	mark := 0
	if correct {
		mark = 1
		player.Score++
	}
	marks[room.asked] = &mark
	room.answers[player.Name] = marks
	player.LastCorrect = &correct

	co.push(cmd.client, AnswerResultMessage{Type: "answer_result", Correct: correct, Score: player.Score})

	co.pushAdmin(room, RankingMessage{Type: "ranking", Entries: room.ranking()})
	co.pushAdmin(room, AnswersDetailMessage{Type: "answers_detail", Answers: room.answersSnapshot()})
}

func (co *Coordinator) handleClearScreens(cmd clearScreensCmd) {
	room, ok := co.adminRoom(cmd.client, cmd.roomID)
	if !ok {
		return
	}

	for id := range room.players {
		if c, ok := co.clients[id]; ok {
			co.push(c, SignalMessage{Type: "clear_screen"})
		}
	}
}

func (co *Coordinator) handleGotoQuestion(cmd gotoQuestionCmd) {
	room, ok := co.adminRoom(cmd.client, cmd.roomID)
	if !ok {
		return
	}

	if cmd.number < 1 || cmd.number > len(co.bank) {
		co.push(cmd.client, ErrorMessage{Type: "error", Message: "question number out of range"})
		return
	}

	logf(co.cfg, "ROOMS: Jump to question %d in %s", cmd.number, room.id)

	room.next = cmd.number - 1
	co.sendQuestion(room)
}

func (co *Coordinator) handleFinalize(cmd finalizeCmd) {
	room, ok := co.adminRoom(cmd.client, cmd.roomID)
	if !ok {
		return
	}

	room.phase = phaseFinished

	logf(co.cfg, "ROOMS: Game finalized in %s", room.id)

	co.broadcast(room, RankingMessage{Type: "final_ranking", Entries: room.ranking()})
}

// handleSweep evicts rooms idle longer than the session timeout.
func (co *Coordinator) handleSweep(cmd sweepCmd) {
	for id, room := range co.rooms {
		if !room.lastActive.Before(cmd.cutoff) {
			continue
		}

		co.broadcast(room, GeneralMessage{Type: "general_message", Message: "session expired"})
		delete(co.rooms, id)

		logf(co.cfg, "ROOMS: Evicted idle room %s", id)
	}
}

// reaper periodically posts a sweep command so eviction runs on the
// dispatch goroutine like every other mutation.
func (co *Coordinator) reaper(ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	for range ticker.C {
		co.events <- sweepCmd{cutoff: time.Now().Add(-ttl)}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, co *Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "SERVE: Websocket upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan any, 8),
		}

		co.events <- connectCmd{client: client}

		go client.writePump()
		client.readPump(co)
	}
}

func (c *Client) readPump(co *Coordinator) {
	defer func() {
		co.events <- disconnectCmd{client: c}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create_room":
			co.events <- createRoomCmd{client: c}
		case "join":
			co.events <- joinCmd{client: c, RoomID: msg.RoomID, Name: msg.Name}
		case "start":
			co.events <- startCmd{client: c, roomID: msg.RoomID}
		case "next_question":
			co.events <- nextQuestionCmd{client: c, roomID: msg.RoomID}
		case "force_end":
			co.events <- forceEndCmd{client: c, roomID: msg.RoomID}
		case "answer":
			co.events <- answerCmd{client: c, RoomID: msg.RoomID, Name: msg.Name, Answer: msg.Answer}
		case "clear_screens":
			co.events <- clearScreensCmd{client: c, roomID: msg.RoomID}
		case "goto_question":
			co.events <- gotoQuestionCmd{client: c, roomID: msg.RoomID, number: msg.Number}
		case "finalize":
			co.events <- finalizeCmd{client: c, roomID: msg.RoomID}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code linking to the quiz client with the room
// code pre-filled.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/quiz?room=" + roomID

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func serveQuizPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		data, err := assets.ReadFile("assets/quiz/index.html")
		if err != nil {
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

// registerQuiz sets up routes so that:
//   - /quiz                → HTML client (join via form or ?room= query)
//   - /assets/quiz/*       → shared client assets
//   - /ws                  → the game websocket
//   - /quiz/:roomid/qr     → PNG QR code for joining that room
func registerQuiz(cfg *Config, bank []Question, mux *httprouter.Router, errs chan<- error) *Coordinator {
	co := newCoordinator(cfg, bank)

	go co.run()
	if cfg.sessionTimeout > 0 {
		go co.reaper(cfg.sessionTimeout)
	}

	mux.GET(cfg.prefix+"/quiz", serveQuizPage(cfg))

	mux.GET(cfg.prefix+"/assets/quiz/app.css", serveAssets(cfg, errs))
	mux.GET(cfg.prefix+"/assets/quiz/app.js", serveAssets(cfg, errs))

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, co))

	mux.GET(cfg.prefix+"/quiz/:roomid/qr", qrHandler(cfg))

	return co
}
