package sync

import (
	"sort"
	"sync"

	"github.com/tradelinehq/convo/internal/model"
)

// Timeline is the ordered, deduplicated message list for one open
// conversation, newest first. It is the only mutator of that list: every
// source (history pages, optimistic sends, realtime arrivals, hydration)
// lands here, and the dedup rules make the final order independent of
// arrival order. Rows are identified by server id once confirmed and by
// tempId before that; a row gains its id exactly once.
type Timeline struct {
	mu   sync.Mutex
	rows []model.Message
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Seed replaces the whole list with one history page plus the optimistic
// messages still awaiting confirmation. Page entries that confirm an
// optimistic row (same id, tempId, or outbound body) collapse into it.
func (t *Timeline) Seed(page []model.Message, pending []*model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = t.rows[:0]
	for _, m := range pending {
		t.rows = append(t.rows, *m)
	}
	for i := range page {
		t.upsertLocked(page[i])
	}
	t.sortLocked()
}

// MergeIncoming folds one arrival into the list. Returns whether the
// visible list changed; repeated deliveries of an identical message (the
// poll fallback redelivers everything it sees) report false.
func (t *Timeline) MergeIncoming(m *model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := t.upsertLocked(*m)
	if changed {
		t.sortLocked()
	}
	return changed
}

// AppendOlderPage adds an older history page at the tail. Ids already
// present are skipped; optimistic rows are never collapsed by history
// (an old message with the same body is a different message).
func (t *Timeline) AppendOlderPage(page []model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for i := range page {
		if page[i].ID != "" && t.findByIDLocked(page[i].ID) >= 0 {
			continue
		}
		t.rows = append(t.rows, page[i])
		changed = true
	}
	if changed {
		t.sortLocked()
	}
	return changed
}

// SetStatus updates the delivery badge of an unconfirmed row. A row
// that has already adopted its server id ignores late status flips.
func (t *Timeline) SetStatus(tempID string, status model.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.rows {
		if t.rows[i].TempID != tempID {
			continue
		}
		if t.rows[i].Confirmed() || t.rows[i].Status == status {
			return false
		}
		t.rows[i].Status = status
		return true
	}
	return false
}

// ApplyContent fills in a hydrated body. The row keeps its place: only
// content fields change, never createdAt.
func (t *Timeline) ApplyContent(contentID string, content model.Content) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	for i := range t.rows {
		if t.rows[i].ContentID != contentID || !t.rows[i].NeedsContent {
			continue
		}
		t.rows[i].Body = content.Body
		t.rows[i].RichBody = content.RichBody
		if t.rows[i].Subject == "" {
			t.rows[i].Subject = content.Subject
		}
		t.rows[i].NeedsContent = false
		changed = true
	}
	return changed
}

// Messages returns a snapshot copy of the list, newest first.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Message(nil), t.rows...)
}

// Len returns the number of rows.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// upsertLocked applies the dedup rule: match by id, then tempId, then,
// for outbound arrivals only, by body against a still-unconfirmed row
// (the realtime echo of the user's own send can land before the send
// call returns). A match is replaced in place so the row neither
// duplicates nor jumps; no match appends.
func (t *Timeline) upsertLocked(m model.Message) bool {
	idx := -1
	if m.ID != "" {
		idx = t.findByIDLocked(m.ID)
	}
	if idx < 0 && m.TempID != "" {
		idx = t.findByTempIDLocked(m.TempID)
	}
	if idx < 0 && m.ID != "" && m.Direction == model.DirectionOutbound {
		idx = t.findPendingByBodyLocked(m.Body)
	}

	if idx < 0 {
		t.rows = append(t.rows, m)
		return true
	}

	replacement := m
	if replacement.TempID == "" {
		replacement.TempID = t.rows[idx].TempID
	}
	if replacement == t.rows[idx] {
		return false
	}
	t.rows[idx] = replacement
	return true
}

func (t *Timeline) findByIDLocked(id string) int {
	for i := range t.rows {
		if t.rows[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) findByTempIDLocked(tempID string) int {
	for i := range t.rows {
		if t.rows[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// findPendingByBodyLocked returns the oldest outbound row that has no
// server id yet and carries this body.
func (t *Timeline) findPendingByBodyLocked(body string) int {
	for i := len(t.rows) - 1; i >= 0; i-- {
		r := t.rows[i]
		if r.Direction == model.DirectionOutbound && !r.Confirmed() && r.TempID != "" && r.Body == body {
			return i
		}
	}
	return -1
}

// sortLocked restores newest-first order. The sort is stable so rows
// with equal timestamps keep their insertion order.
func (t *Timeline) sortLocked() {
	sort.SliceStable(t.rows, func(i, j int) bool {
		return t.rows[i].CreatedAt > t.rows[j].CreatedAt
	})
}
