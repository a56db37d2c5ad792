package domain

import (
	"errors"
	"fmt"
	"time"
)

// EntryType represents the side of a journal entry
type EntryType string

const (
	EntryTypeDebit  EntryType = "debit"
	EntryTypeCredit EntryType = "credit"
)

// SourceType names the operation that produced a journal batch
type SourceType string

const (
	SourceTypePledge       SourceType = "pledge"
	SourceTypeSettlement   SourceType = "settlement"
	SourceTypeRefund       SourceType = "refund"
	SourceTypePayout       SourceType = "payout"
	SourceTypePayoutReject SourceType = "payout_reject"
	SourceTypeTopUp        SourceType = "topup"
	SourceTypeAdjustment   SourceType = "adjustment"
)

// Entry is one side of a transfer. Debits take points out of an account,
// credits put them in.
type Entry struct {
	ID          string    `json:"id"`
	BatchID     string    `json:"batch_id"`
	Account     Account   `json:"account"`
	EntryType   EntryType `json:"entry_type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description,omitempty"`
	Sequence    int       `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
}

// Batch is the balanced set of entries written by one ledger operation
type Batch struct {
	ID           string     `json:"id"`
	SourceType   SourceType `json:"source_type"`
	SourceID     string     `json:"source_id"`
	Description  string     `json:"description,omitempty"`
	TotalDebits  int64      `json:"total_debits"`
	TotalCredits int64      `json:"total_credits"`
	EntryCount   int        `json:"entry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	Entries      []*Entry   `json:"entries,omitempty"`
}

// Journal collects the transfers of one operation. Every transfer is
// recorded as a debit/credit pair, so a journal is balanced by construction.
type Journal struct {
	batchID    string
	sourceType SourceType
	sourceID   string
	entries    []*Entry
	moved      int64
}

// NewJournal starts a journal whose entries will belong to batch batchID.
func NewJournal(batchID string) *Journal {
	return &Journal{batchID: batchID}
}

// Label records which operation the batch belongs to. The last call wins.
func (j *Journal) Label(sourceType SourceType, sourceID string) {
	j.sourceType = sourceType
	j.sourceID = sourceID
}

// Record appends the two legs of a transfer of amount from one account to
// another. Entry IDs are derived from the batch ID and the leg's sequence.
func (j *Journal) Record(from, to Account, amount int64, description string) error {
	switch {
	case amount <= 0:
		return fmt.Errorf("%w: journal amount must be positive, got %d", ErrValidation, amount)
	case from == to:
		return fmt.Errorf("%w: journal legs on the same account %s", ErrValidation, from)
	}
	j.entries = append(j.entries,
		j.leg(from, EntryTypeDebit, amount, description),
		j.leg(to, EntryTypeCredit, amount, description),
	)
	j.moved += amount
	return nil
}

func (j *Journal) leg(account Account, entryType EntryType, amount int64, description string) *Entry {
	seq := len(j.entries) + 1
	return &Entry{
		ID:          fmt.Sprintf("%s-%03d", j.batchID, seq),
		BatchID:     j.batchID,
		Account:     account,
		EntryType:   entryType,
		Amount:      amount,
		Description: description,
		Sequence:    seq,
	}
}

// Len is the number of entries recorded so far.
func (j *Journal) Len() int {
	return len(j.entries)
}

// Batch seals the journal into a batch stamped at. An unlabeled journal is
// attributed to an adjustment of its own batch.
func (j *Journal) Batch(at time.Time) (*Batch, error) {
	if len(j.entries) == 0 {
		return nil, errors.New("journal has no entries")
	}
	sourceType, sourceID := j.sourceType, j.sourceID
	if sourceType == "" {
		sourceType, sourceID = SourceTypeAdjustment, j.batchID
	}
	for _, e := range j.entries {
		e.CreatedAt = at
	}
	return &Batch{
		ID:           j.batchID,
		SourceType:   sourceType,
		SourceID:     sourceID,
		Description:  j.entries[0].Description,
		TotalDebits:  j.moved,
		TotalCredits: j.moved,
		EntryCount:   len(j.entries),
		CreatedAt:    at,
		Entries:      j.entries,
	}, nil
}

// Validate checks that the batch's entries add up to its totals and that
// debits equal credits. Stores run it before writing.
func (batch *Batch) Validate() error {
	if len(batch.Entries) == 0 || len(batch.Entries) != batch.EntryCount {
		return fmt.Errorf("batch %s: entry count %d does not match %d entries",
			batch.ID, batch.EntryCount, len(batch.Entries))
	}
	var debits, credits int64
	for _, e := range batch.Entries {
		if e.Amount <= 0 || e.BatchID != batch.ID {
			return fmt.Errorf("batch %s: malformed entry %s", batch.ID, e.ID)
		}
		switch e.EntryType {
		case EntryTypeDebit:
			debits += e.Amount
		case EntryTypeCredit:
			credits += e.Amount
		default:
			return fmt.Errorf("batch %s: unknown entry type %q", batch.ID, e.EntryType)
		}
	}
	if debits != credits || debits != batch.TotalDebits || credits != batch.TotalCredits {
		return fmt.Errorf("batch %s is not balanced: debits %d, credits %d", batch.ID, debits, credits)
	}
	return nil
}

// NetChange returns how much the batch moved account's balance.
func (batch *Batch) NetChange(account Account) int64 {
	var net int64
	for _, e := range batch.Entries {
		if e.Account != account {
			continue
		}
		if e.EntryType == EntryTypeCredit {
			net += e.Amount
		} else {
			net -= e.Amount
		}
	}
	return net
}
