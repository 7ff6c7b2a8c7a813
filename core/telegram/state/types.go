// Package state tracks which conversation step each bot user is in and
// routes their next text message to the handler bound to that step.
package state

import tele "gopkg.in/telebot.v4"

// State identifies a conversation step.
type State string

// StateIdle means the user is not inside any conversation.
const StateIdle State = "idle"

// Manager stores per-user conversation state.
type Manager interface {
	SetState(userID int64, st State)
	GetState(userID int64) State
	ClearState(userID int64)
	InProgress(userID int64) bool

	// RegisterHandler binds st to the handler that consumes the next update.
	RegisterHandler(st State, h tele.HandlerFunc)
	// Dispatch runs the handler bound to the sender's current state.
	Dispatch(c tele.Context) error
}
