// Package transcript folds recognizer events into one growing transcript and
// decides which part of it is still owed to the text injector.
package transcript

// Event is one result from the recognition service. Text is the full decoded
// string for the current utterance window.
type Event struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Update is the outcome of folding one recognizer message.
type Update struct {
	Transcript string
	// Final is set when the message committed text.
	Final bool
	// Chunk is the text beyond the injected offset, empty when nothing new
	// may be typed.
	Chunk string
	// End is the rune offset reached once Chunk has been injected.
	End int
	// Revised is set when the new transcript does not extend the previously
	// observed one.
	Revised bool
}

// Reconciler is not safe for concurrent use; the session controller owns it.
type Reconciler struct {
	committed []rune
	pending   []rune
	observed  []rune
	injected  int
}

func New() *Reconciler {
	return &Reconciler{}
}

// Apply folds ev into the transcript. The returned chunk is only a proposal;
// the offset moves when MarkInjected is called.
func (r *Reconciler) Apply(ev Event) Update {
	return r.ApplyAll([]Event{ev})
}

// ApplyAll folds the events decoded from one recognizer message as a unit.
// A message that commits a prefix of the previous interim text and carries a
// new interim tail is compared against the transcript before the message,
// never against a half-applied state.
func (r *Reconciler) ApplyAll(evs []Event) Update {
	var final bool
	for _, ev := range evs {
		text := []rune(ev.Text)
		if ev.IsFinal {
			r.committed = append(r.committed, text...)
			r.pending = nil
			final = true
		} else {
			r.pending = text
		}
	}

	cur := r.current()
	revised := !hasPrefix(cur, r.observed)
	r.observed = cur

	u := Update{Transcript: string(cur), Final: final, End: r.injected, Revised: revised}
	// Already-typed runes are never retyped. After a revision only runes past
	// the injected offset count, and a shrink yields nothing.
	if len(cur) > r.injected {
		u.Chunk = string(cur[r.injected:])
		u.End = len(cur)
	}
	return u
}

// MarkInjected records that the transcript up to rune offset end has been
// handed to the injector. The offset never moves backwards.
func (r *Reconciler) MarkInjected(end int) {
	if end > len(r.observed) {
		end = len(r.observed)
	}
	if end > r.injected {
		r.injected = end
	}
}

// Remainder returns the suffix that has not been injected yet.
func (r *Reconciler) Remainder() string {
	if len(r.observed) <= r.injected {
		return ""
	}
	return string(r.observed[r.injected:])
}

// Transcript returns committed plus pending text.
func (r *Reconciler) Transcript() string {
	return string(r.observed)
}

// Committed returns only the text of final events.
func (r *Reconciler) Committed() string {
	return string(r.committed)
}

// Offset returns the number of runes handed to the injector.
func (r *Reconciler) Offset() int {
	return r.injected
}

// Len returns the transcript length in runes.
func (r *Reconciler) Len() int {
	return len(r.observed)
}

func (r *Reconciler) Reset() {
	r.committed = nil
	r.pending = nil
	r.observed = nil
	r.injected = 0
}

func (r *Reconciler) current() []rune {
	cur := make([]rune, 0, len(r.committed)+len(r.pending))
	cur = append(cur, r.committed...)
	return append(cur, r.pending...)
}

func hasPrefix(s, prefix []rune) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}
