package model

import (
	"slices"
	"time"
)

// PollOption is one choice of a poll with its tally.
type PollOption struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is a single-choice poll scoped to a room.
//
// The sum of option votes always equals len(Voters).
type Poll struct {
	ID        string       `json:"_id"`
	RoomID    string       `json:"room"`
	Question  string       `json:"question"`
	Options   []PollOption `json:"options"`
	CreatedBy string       `json:"createdBy"`
	CreatedAt time.Time    `json:"timestamp"`
	Voters    []string     `json:"voters"`
}

// HasVoted reports whether voter is in the voter set.
func (p *Poll) HasVoted(voter string) bool {
	return slices.Contains(p.Voters, voter)
}

// TotalVotes sums the option counters.
func (p *Poll) TotalVotes() int {
	total := 0
	for _, o := range p.Options {
		total += o.Votes
	}
	return total
}

func (p Poll) Clone() Poll {
	p.Options = slices.Clone(p.Options)
	p.Voters = slices.Clone(p.Voters)
	if p.Voters == nil {
		p.Voters = []string{}
	}
	return p
}
