package models

import (
	"fmt"
	"time"
)

// Ledger accounts used for authorization holds.
const (
	AccountReservedFunds     = "reserved_funds"
	AccountPendingSettlement = "pending_settlement"
)

// PostingDirection is the side of a double-entry posting.
type PostingDirection string

const (
	Debit  PostingDirection = "debit"
	Credit PostingDirection = "credit"
)

// Posting is one leg of a journal entry.
type Posting struct {
	ID        string           `json:"id"`
	EntryID   string           `json:"entry_id"`
	Account   string           `json:"account"`
	Direction PostingDirection `json:"direction"`
	Amount    int64            `json:"amount"`
}

// JournalEntry is an append-only balanced set of postings.
type JournalEntry struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id"`
	AgentID        string    `json:"agent_id"`
	OrganizationID string    `json:"organization_id"`
	Description    string    `json:"description"`
	Postings       []Posting `json:"postings"`
	CreatedAt      time.Time `json:"created_at"`
}

// Totals returns the debit and credit sums.
func (e JournalEntry) Totals() (debits, credits int64) {
	for _, p := range e.Postings {
		switch p.Direction {
		case Debit:
			debits += p.Amount
		case Credit:
			credits += p.Amount
		}
	}
	return debits, credits
}

// Validate checks that the entry has postings, positive amounts and balances.
func (e JournalEntry) Validate() error {
	if e.CorrelationID == "" {
		return fmt.Errorf("journal entry %s: correlation id is required", e.ID)
	}
	if len(e.Postings) < 2 {
		return fmt.Errorf("journal entry %s: needs at least two postings", e.ID)
	}
	for _, p := range e.Postings {
		if p.Amount <= 0 {
			return fmt.Errorf("journal entry %s: posting %s has non-positive amount", e.ID, p.ID)
		}
		if p.Direction != Debit && p.Direction != Credit {
			return fmt.Errorf("journal entry %s: posting %s has unknown direction %q", e.ID, p.ID, p.Direction)
		}
	}
	debits, credits := e.Totals()
	if debits != credits {
		return fmt.Errorf("journal entry %s: unbalanced (debits=%d credits=%d)", e.ID, debits, credits)
	}
	return nil
}
