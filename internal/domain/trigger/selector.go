package trigger

// Suggestion is one autocomplete entry as returned by the assistant service.
// Value is the text spliced into the input on commit.
type Suggestion struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Selector is the keyboard-navigable selection over the current suggestion
// list: a simple modulo counter, reset to the first entry whenever a new
// list arrives. Not safe for concurrent use; one selector per composer.
type Selector struct {
	items []Suggestion
	index int
}

// Set replaces the suggestion list and resets the selection to the first
// entry.
func (s *Selector) Set(items []Suggestion) {
	s.items = items
	s.index = 0
}

// Clear dismisses the suggestion list.
func (s *Selector) Clear() {
	s.items = nil
	s.index = 0
}

// Active reports whether a suggestion list is showing.
func (s *Selector) Active() bool {
	return len(s.items) > 0
}

// Len returns the number of suggestions.
func (s *Selector) Len() int {
	return len(s.items)
}

// Items returns the current suggestion list.
func (s *Selector) Items() []Suggestion {
	return s.items
}

// Index returns the selected position, 0 when the list is empty.
func (s *Selector) Index() int {
	return s.index
}

// Next advances the selection, wrapping at the end.
func (s *Selector) Next() {
	if len(s.items) == 0 {
		return
	}
	s.index = (s.index + 1) % len(s.items)
}

// Prev moves the selection back, wrapping at the start.
func (s *Selector) Prev() {
	if len(s.items) == 0 {
		return
	}
	s.index = (s.index - 1 + len(s.items)) % len(s.items)
}

// Current returns the selected suggestion, or false when the list is empty.
func (s *Selector) Current() (Suggestion, bool) {
	if len(s.items) == 0 {
		return Suggestion{}, false
	}
	return s.items[s.index], true
}
