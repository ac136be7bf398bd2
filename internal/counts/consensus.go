package counts

// Status classifies the agreement state of a group.
type Status string

const (
	StatusUnknown               Status = ""
	StatusAwaitingSecond        Status = "AWAITING_SECOND"
	StatusAwaitingDifferentUser Status = "AWAITING_DIFFERENT_USER"
	StatusCorrect               Status = "CORRECT"
	StatusDivergent             Status = "DIVERGENT"
	StatusCorrectMajority       Status = "CORRECT_MAJORITY"
	StatusDivergentNoConsensus  Status = "DIVERGENT_NO_CONSENSUS"
)

var statusHints = map[Status]string{
	StatusAwaitingSecond:        "Second count required from another operator.",
	StatusAwaitingDifferentUser: "Same operator counted twice; another operator must count.",
	StatusCorrect:               "First and second counts match.",
	StatusDivergent:             "Counts differ; request a third count.",
	StatusCorrectMajority:       "A majority of counts agree.",
	StatusDivergentNoConsensus:  "No two counts agree after three or more counts.",
}

func (s Status) String() string {
	return string(s)
}

// Hint returns the operator-facing explanation of the status.
func (s Status) Hint() string {
	return statusHints[s]
}

// Settled reports whether the group currently has an agreed quantity.
func (s Status) Settled() bool {
	return s == StatusCorrect || s == StatusCorrectMajority
}

type signature struct {
	material Material
	quantity Quantity
}

func signatureOf(count Count) signature {
	return signature{material: count.Material(), quantity: count.Quantity()}
}

// Evaluate derives the status of a group from its ordered counts.
// The result depends only on the counts given; an empty slice yields StatusUnknown.
func Evaluate(counts []Count) Status {
	switch len(counts) {
	case 0:
		return StatusUnknown
	case 1:
		return StatusAwaitingSecond
	case 2:
		first, second := counts[0], counts[1]
		if first.SubmittedBy() == second.SubmittedBy() {
			return StatusAwaitingDifferentUser
		}
		if signatureOf(first) == signatureOf(second) {
			return StatusCorrect
		}
		return StatusDivergent
	}

	frequencies := make(map[signature]int, len(counts))
	for _, count := range counts {
		sig := signatureOf(count)
		frequencies[sig]++
		if frequencies[sig] >= 2 {
			return StatusCorrectMajority
		}
	}
	return StatusDivergentNoConsensus
}
