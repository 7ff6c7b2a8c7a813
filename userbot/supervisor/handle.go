package supervisor

import (
	"context"
	"sort"
	"time"

	"github.com/m3rciful/userbots/userbot/platform"
	"github.com/m3rciful/userbots/userbot/tasks"
)

// State is the lifecycle state of one user's connection handle.
type State string

const (
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateFailed     State = "failed"
)

// HandleInfo is a read-only view of a handle.
type HandleInfo struct {
	UserID    int64
	State     State
	Account   string
	Tasks     []string
	Failures  int
	RetryAt   time.Time
	LastError string
	Since     time.Time
}

// handle is owned by the supervisor loop; nothing else touches it.
type handle struct {
	userID int64
	token  string
	state  State
	gen    uint64
	since  time.Time

	conn     platform.Conn
	cancel   context.CancelFunc
	attached map[string]*tasks.Attachment

	failures int
	retryAt  time.Time
	retry    *time.Timer
	lastErr  error
}

func (h *handle) taskIDs() []string {
	ids := make([]string, 0, len(h.attached))
	for id := range h.attached {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *handle) info() HandleInfo {
	hi := HandleInfo{
		UserID:   h.userID,
		State:    h.state,
		Tasks:    h.taskIDs(),
		Failures: h.failures,
		RetryAt:  h.retryAt,
		Since:    h.since,
	}
	if h.conn != nil {
		hi.Account = h.conn.Self().DisplayName()
	}
	if h.lastErr != nil {
		hi.LastError = h.lastErr.Error()
	}
	return hi
}

// detachAll removes every task subscription. The connection stays open.
func (h *handle) detachAll() {
	for id, att := range h.attached {
		att.Detach()
		delete(h.attached, id)
	}
}

// stop detaches tasks, ends the run loop, and closes the connection.
func (h *handle) stop() {
	h.detachAll()
	if h.retry != nil {
		h.retry.Stop()
		h.retry = nil
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}
