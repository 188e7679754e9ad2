package models

// Proposal is a read-through projection of a DAO proposal. It is never
// cached; the contract is the source of truth.
type Proposal struct {
	ID          uint64 `json:"id"`
	Description string `json:"description"`
	Proposer    string `json:"proposer"`
	YesVotes    uint64 `json:"yesVotes"`
	NoVotes     uint64 `json:"noVotes"`
	Active      bool   `json:"active"`
}
