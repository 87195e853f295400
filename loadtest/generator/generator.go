package generator

import (
	"fmt"
	"math/rand/v2"
)

// Kind is the action a simulated user performs.
type Kind string

const (
	KindJoin     Kind = "JOIN"
	KindMessage  Kind = "MESSAGE"
	KindMarkSeen Kind = "MARK_SEEN"
	KindPoll     Kind = "POLL"
	KindVote     Kind = "VOTE"
	KindLeave    Kind = "LEAVE"
)

// Step is one action routed to a worker.
type Step struct {
	Username string
	Room     string
	Kind     Kind
	Text     string
}

var predefinedMessages = []string{
	"Hello world!", "How are you?", "WebSocket is cool", "Distributed systems are hard",
	"Anyone around?", "Chat application", "Testing high load", "Another message",
	"Design patterns", "Latency check", "Throughput test", "Keep alive",
	"Good morning", "Good night", "See you later", "I will be back",
	"Connection pool", "Concurrency", "Scalability", "Consistency",
	"Little's Law", "Queuing theory", "Load balancing", "Sharding", "Caching",
}

var pollQuestions = []string{
	"Lunch?", "Deploy today?", "Tabs or spaces?", "Standup time?", "Next topic?",
}

// Config shapes the generated workload.
type Config struct {
	Steps  int
	Users  int
	Rooms  int
	Buffer int
	Seed   uint64
}

type userState struct {
	room   string
	joined bool
}

// Generator emits Steps for a population of users hopping between rooms.
// A user always joins before acting and leaves before joining elsewhere.
type Generator struct {
	cfg    Config
	Output chan Step
	users  map[string]*userState
	rnd    *rand.Rand
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Users <= 0 {
		cfg.Users = 1
	}
	if cfg.Rooms <= 0 {
		cfg.Rooms = 1
	}
	return &Generator{
		cfg:    cfg,
		Output: make(chan Step, cfg.Buffer),
		users:  make(map[string]*userState),
		rnd:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Run writes cfg.Steps steps and closes Output.
func (g *Generator) Run() {
	defer close(g.Output)
	for i := 0; i < g.cfg.Steps; i++ {
		g.Output <- g.Next()
	}
}

// Next advances one random user by one step.
func (g *Generator) Next() Step {
	username := fmt.Sprintf("user%d", g.rnd.IntN(g.cfg.Users)+1)
	st, ok := g.users[username]
	if !ok {
		st = &userState{}
		g.users[username] = st
	}

	if !st.joined {
		st.room = fmt.Sprintf("%d", g.rnd.IntN(g.cfg.Rooms)+1)
		st.joined = true
		return Step{Username: username, Room: st.room, Kind: KindJoin}
	}

	step := Step{Username: username, Room: st.room}
	switch r := g.rnd.Float64(); {
	case r < 0.05:
		step.Kind = KindLeave
		st.joined = false
	case r < 0.07:
		step.Kind = KindPoll
		step.Text = pollQuestions[g.rnd.IntN(len(pollQuestions))]
	case r < 0.15:
		step.Kind = KindVote
	case r < 0.25:
		step.Kind = KindMarkSeen
	default:
		step.Kind = KindMessage
		step.Text = predefinedMessages[g.rnd.IntN(len(predefinedMessages))]
	}
	return step
}
