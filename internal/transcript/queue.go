package transcript

import (
	"encoding/json"
	"sort"

	"transcript-relay-service/internal/models"
)

// queueItem is a word-mode agent turn waiting for its words to be revealed.
type queueItem struct {
	TurnID    int64
	StreamID  string
	Text      string
	Words     []Word
	Status    models.TurnStatus
	MessageID string
	Metadata  json.RawMessage
}

// revealed returns how many words start at or before pts. Words are sorted
// by StartMs, so the revealed words are a prefix.
func (q *queueItem) revealed(pts uint64) int {
	return sort.Search(len(q.Words), func(i int) bool {
		return q.Words[i].StartMs > 0 && uint64(q.Words[i].StartMs) > pts
	})
}

// turnQueue holds pending word-mode turns. Not thread-safe; guarded by the
// engine mutex.
type turnQueue struct {
	items []*queueItem
}

func (q *turnQueue) find(turnID int64, streamID string) *queueItem {
	for _, it := range q.items {
		if it.TurnID == turnID && it.StreamID == streamID {
			return it
		}
	}
	return nil
}

// push creates or merges the queue item for msg.
func (q *turnQueue) push(msg *AgentTranscription) *queueItem {
	it := q.find(msg.TurnID, msg.StreamID)
	if it == nil {
		it = &queueItem{
			TurnID:    msg.TurnID,
			StreamID:  msg.StreamID,
			Text:      msg.Text,
			Words:     mergeWords(nil, msg.Words),
			Status:    msg.TurnStatus,
			MessageID: msg.MessageID,
			Metadata:  msg.Raw,
		}
		q.items = append(q.items, it)
	} else {
		it.Words = mergeWords(it.Words, msg.Words)
		it.Text = msg.Text
		it.MessageID = msg.MessageID
		it.Metadata = msg.Raw
		if it.Status == models.TurnInProgress || msg.TurnStatus == models.TurnInterrupted {
			it.Status = msg.TurnStatus
		}
	}
	markWords(it)
	return it
}

// interrupt marks every item of turnID, and all of its words, INTERRUPTED.
func (q *turnQueue) interrupt(turnID int64) bool {
	hit := false
	for _, it := range q.items {
		if it.TurnID != turnID {
			continue
		}
		it.Status = models.TurnInterrupted
		for i := range it.Words {
			it.Words[i].Status = models.TurnInterrupted
		}
		hit = true
	}
	return hit
}

// remove drops the items for which done returns true.
func (q *turnQueue) remove(done map[*queueItem]bool) int {
	if len(done) == 0 {
		return 0
	}
	kept := q.items[:0]
	for _, it := range q.items {
		if !done[it] {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	n := len(q.items) - len(kept)
	q.items = kept
	return n
}

func (q *turnQueue) len() int {
	return len(q.items)
}

func (q *turnQueue) reset() {
	q.items = nil
}

// mergeWords adds incoming words whose StartMs is not already present and
// returns the result sorted by StartMs. Existing words win collisions.
func mergeWords(existing, incoming []Word) []Word {
	out := make([]Word, 0, len(existing)+len(incoming))
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	for _, w := range existing {
		if _, dup := seen[w.StartMs]; dup {
			continue
		}
		seen[w.StartMs] = struct{}{}
		out = append(out, w)
	}
	for _, w := range incoming {
		if _, dup := seen[w.StartMs]; dup {
			continue
		}
		seen[w.StartMs] = struct{}{}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

// markWords stamps the item status onto its words: the final word carries
// a terminal status, an interrupted item interrupts every word.
func markWords(it *queueItem) {
	if len(it.Words) == 0 {
		return
	}
	switch it.Status {
	case models.TurnInterrupted:
		for i := range it.Words {
			it.Words[i].Status = models.TurnInterrupted
		}
	case models.TurnEnd:
		it.Words[len(it.Words)-1].Status = models.TurnEnd
	}
}
