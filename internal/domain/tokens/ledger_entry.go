package tokens

import "time"

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryRefund EntryKind = "refund"
	EntryTopUp  EntryKind = "topup"
)

// LedgerEntry is an append-only record of a balance movement. The unique
// (reference, kind) pair is what makes job debits and refunds exactly-once.
type LedgerEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"column:email;not null;index" json:"email"`
	Reference string    `gorm:"column:reference;not null;uniqueIndex:idx_ledger_ref_kind" json:"reference"`
	Kind      EntryKind `gorm:"column:kind;not null;uniqueIndex:idx_ledger_ref_kind" json:"kind"`
	Amount    Amount    `gorm:"column:amount;not null" json:"amount"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "token_ledger_entry" }
