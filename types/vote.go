package types

import "fmt"

// MaxVoteLimit bounds the number of options a single vote can range over.
const MaxVoteLimit = 1 << 16

// DefaultVoteLimit is the number of options of the deployed ZkVoting contract.
const DefaultVoteLimit = 2

// ValidateVote checks that limit is within [1, MaxVoteLimit] and choice within
// [1, limit]. Every failure wraps ErrInvalidInput.
func ValidateVote(choice, limit int64) error {
	if limit < 1 || limit > MaxVoteLimit {
		return fmt.Errorf("%w: vote limit %d out of range [1, %d]", ErrInvalidInput, limit, MaxVoteLimit)
	}
	if choice < 1 || choice > limit {
		return fmt.Errorf("%w: vote choice %d out of range [1, %d]", ErrInvalidInput, choice, limit)
	}
	return nil
}

// VoteStatus is the tri-state result of an eligibility lookup.
type VoteStatus int

const (
	// VoteStatusUnknown means the ledger could not be read.
	VoteStatusUnknown VoteStatus = iota
	// VoteStatusNotVoted means the ledger confirmed the address has not voted.
	VoteStatusNotVoted
	// VoteStatusVoted means the ledger recorded a vote for the address.
	VoteStatusVoted
)

// Eligible is true only when the ledger confirmed no prior vote. Unknown is
// treated as not eligible.
func (s VoteStatus) Eligible() bool {
	return s == VoteStatusNotVoted
}

func (s VoteStatus) String() string {
	switch s {
	case VoteStatusNotVoted:
		return "notVoted"
	case VoteStatusVoted:
		return "voted"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its name.
func (s VoteStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name. Unrecognized names decode as
// VoteStatusUnknown.
func (s *VoteStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "notVoted":
		*s = VoteStatusNotVoted
	case "voted":
		*s = VoteStatusVoted
	default:
		*s = VoteStatusUnknown
	}
	return nil
}
