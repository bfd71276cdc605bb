package model

import "time"

// EventType 账本事件类型
type EventType string

const (
	EventBallotCast     EventType = "BALLOT_CAST"
	EventElectionClosed EventType = "ELECTION_CLOSED"
)

// LedgerEvent Kafka账本事件，按选举ID路由分区
type LedgerEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ElectionID string    `json:"electionId"`
	VoterID    string    `json:"voterId,omitempty"`
	Head       string    `json:"head"`
	Seq        int64     `json:"seq"`
	Ballots    int       `json:"ballots,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	At         time.Time `json:"at"`
}
