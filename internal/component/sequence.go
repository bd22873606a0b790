package component

// Sequence is the observed or typical relative order of two components.
type Sequence string

const (
	SequenceABeforeB  Sequence = "A_before_B"
	SequenceBBeforeA  Sequence = "B_before_A"
	SequenceNoPattern Sequence = "no_pattern"
)

// IsValid reports whether s is one of the three known sequences.
func (s Sequence) IsValid() bool {
	switch s {
	case SequenceABeforeB, SequenceBBeforeA, SequenceNoPattern:
		return true
	}
	return false
}

// Flip returns the sequence as seen with A and B swapped.
func (s Sequence) Flip() Sequence {
	switch s {
	case SequenceABeforeB:
		return SequenceBBeforeA
	case SequenceBBeforeA:
		return SequenceABeforeB
	}
	return SequenceNoPattern
}

// Observe derives the sequence of a relative to b from their positions in
// a flow. A negative position means the order is unknown.
func Observe(posA, posB int) Sequence {
	switch {
	case posA < 0 || posB < 0 || posA == posB:
		return SequenceNoPattern
	case posA < posB:
		return SequenceABeforeB
	default:
		return SequenceBBeforeA
	}
}
