package transcript

import (
	"sort"

	"transcript-relay-service/internal/models"
)

// GreetingTurnID is the turn id of the agent greeting, always ordered first.
const GreetingTurnID = 0

// history is the published chat-history of one engine. Not thread-safe;
// guarded by the engine mutex.
type history struct {
	turns []models.ChatTurn
}

func (h *history) find(turnID int64, uid string) int {
	for i := range h.turns {
		if h.turns[i].TurnID == turnID && h.turns[i].UID == uid {
			return i
		}
	}
	return -1
}

func (h *history) get(turnID int64, uid string) (models.ChatTurn, bool) {
	if i := h.find(turnID, uid); i >= 0 {
		return h.turns[i], true
	}
	return models.ChatTurn{}, false
}

// upsert inserts t or updates the existing turn with the same key when its
// text or status differ. A terminal status is never replaced.
// Returns true if history changed.
func (h *history) upsert(t models.ChatTurn) bool {
	i := h.find(t.TurnID, t.UID)
	if i < 0 {
		if t.TurnID == GreetingTurnID {
			h.turns = append([]models.ChatTurn{t}, h.turns...)
		} else {
			h.turns = append(h.turns, t)
		}
		return true
	}

	cur := &h.turns[i]
	status := t.Status
	if cur.Status.IsTerminal() {
		status = cur.Status
	}
	if cur.Text == t.Text && cur.Status == status {
		return false
	}
	cur.Text = t.Text
	cur.Status = status
	cur.Time = t.Time
	cur.MessageID = t.MessageID
	cur.Metadata = t.Metadata
	return true
}

// setText refreshes the text of an existing turn without touching its time.
func (h *history) setText(turnID int64, uid, text string) bool {
	i := h.find(turnID, uid)
	if i < 0 || h.turns[i].Text == text {
		return false
	}
	h.turns[i].Text = text
	return true
}

// promote moves an IN_PROGRESS turn to a terminal status.
func (h *history) promote(turnID int64, uid string, status models.TurnStatus) bool {
	i := h.find(turnID, uid)
	if i < 0 || h.turns[i].Status.IsTerminal() || h.turns[i].Status == status {
		return false
	}
	h.turns[i].Status = status
	return true
}

// interrupt marks every IN_PROGRESS agent turn with turnID as INTERRUPTED
// and returns the affected turns. User turns sharing the turn id are left
// alone.
func (h *history) interrupt(turnID int64, agentUIDs map[string]struct{}) []models.ChatTurn {
	var hit []models.ChatTurn
	for i := range h.turns {
		if h.turns[i].TurnID != turnID || h.turns[i].Status != models.TurnInProgress {
			continue
		}
		if _, ok := agentUIDs[h.turns[i].UID]; ok {
			h.turns[i].Status = models.TurnInterrupted
			hit = append(hit, h.turns[i])
		}
	}
	return hit
}

// sort orders the greeting first, then by time. Ties keep insertion order.
func (h *history) sort() {
	sort.SliceStable(h.turns, func(i, j int) bool {
		a, b := h.turns[i], h.turns[j]
		ag, bg := a.TurnID == GreetingTurnID, b.TurnID == GreetingTurnID
		if ag != bg {
			return ag
		}
		return a.Time < b.Time
	})
}

func (h *history) snapshot() []models.ChatTurn {
	return models.CloneTurns(h.turns)
}

func (h *history) reset() {
	h.turns = nil
}
