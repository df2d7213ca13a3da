package deployment

import (
	"fmt"
	"time"
)

type Status string

const (
	Pending   Status = "Pending"
	Building  Status = "Building"
	Deploying Status = "Deploying"
	Success   Status = "Success"
	Failed    Status = "Failed"
)

func (s Status) Terminal() bool {
	return s == Success || s == Failed
}

var order = map[Status]int{
	Pending:   0,
	Building:  1,
	Deploying: 2,
	Success:   3,
	Failed:    3,
}

// Beyond is true if s is further along than to.
func (s Status) Beyond(to Status) bool {
	return order[s] > order[to]
}

var next = map[Status]Status{
	Pending:   Building,
	Building:  Deploying,
	Deploying: Success,
}

// CanMoveTo says whether a record can go from s to to. Records only
// go forward, one step at a time or straight to Failed, and never
// leave a terminal status. Staying put is allowed, so a retried run
// can pick up where it left off.
func (s Status) CanMoveTo(to Status) bool {
	switch {
	case s.Terminal():
		return false
	case to == s, to == Failed:
		return true
	default:
		return next[s] == to
	}
}

// Record is the status of one attempt at deploying a changeset.
type Record struct {
	ID           string    `json:"id"`
	Attempt      int       `json:"attempt"`
	Status       Status    `json:"status"`
	StatusText   string    `json:"statusText"`
	Author       string    `json:"author"`
	AuthorEmail  string    `json:"authorEmail"`
	Deployer     string    `json:"deployer"`
	Message      string    `json:"message"`
	ReceivedTime time.Time `json:"receivedTime"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	LogPath      string    `json:"logPath"`
	Error        string    `json:"error,omitempty"`
	// IsTemporary marks a record whose build has not started. Such
	// records left behind by a crashed run are pruned.
	IsTemporary bool `json:"isTemporary"`
	Complete    bool `json:"complete"`
	// Phases is every status the record has had, in order.
	Phases []Status `json:"phases"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s (attempt %d): %s", r.ID, r.Attempt, r.Status)
}
