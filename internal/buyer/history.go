package buyer

import "sync"

// History remembers which codes were selected on the current date so a
// candidate is considered at most once per day. It rotates itself when a
// new date is seen.
type History struct {
	mu    sync.Mutex
	date  string
	codes map[string]struct{}
}

func NewHistory() *History {
	return &History{codes: map[string]struct{}{}}
}

func (h *History) rotate(date string) {
	if h.date != date {
		h.date = date
		h.codes = map[string]struct{}{}
	}
}

// Selected reports whether code was already selected on date.
func (h *History) Selected(date, code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rotate(date)
	_, ok := h.codes[code]
	return ok
}

// Record marks codes as selected on date and returns the ones that were new.
func (h *History) Record(date string, codes []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rotate(date)
	var added []string
	for _, c := range codes {
		if _, ok := h.codes[c]; !ok {
			h.codes[c] = struct{}{}
			added = append(added, c)
		}
	}
	return added
}
