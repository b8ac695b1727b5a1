package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"stakeledger/pkg/db/pagination"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type EntryType string

const (
	EntryDeposit          EntryType = "DEPOSIT"
	EntryDirectCommission EntryType = "DIRECT_COMMISSION"
	EntryLevelCommission  EntryType = "LEVEL_COMMISSION"
	EntryStakeLock        EntryType = "STAKE_LOCK"
	EntryStakePayout      EntryType = "STAKE_PAYOUT"
	EntryStakeRestake     EntryType = "STAKE_RESTAKE"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryDirectCommission, EntryLevelCommission,
		EntryStakeLock, EntryStakePayout, EntryStakeRestake:
		return true
	}
	return false
}

// Entry is one append-only ledger line. Entries of a member form a hash chain
// ordered by Sequence. A reference is unique per member, source and type: the
// source is the account (or stake) whose event produced the entry.
type Entry struct {
	ID            string          `gorm:"column:id;primaryKey;size:32" json:"id"`
	MemberID      string          `gorm:"column:member_id;size:32;not null;uniqueIndex:idx_entries_member_seq,priority:1;uniqueIndex:idx_entries_reference,priority:2" json:"member_id"`
	Sequence      int64           `gorm:"column:sequence;not null;uniqueIndex:idx_entries_member_seq,priority:2" json:"sequence"`
	SourceID      string          `gorm:"column:source_id;size:32;not null;default:'';index;uniqueIndex:idx_entries_reference,priority:3" json:"source_id,omitempty"`
	Type          EntryType       `gorm:"column:type;size:32;not null;uniqueIndex:idx_entries_reference,priority:4" json:"type"`
	Level         int             `gorm:"column:level;not null;default:0" json:"level,omitempty"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(20,8);not null" json:"amount"`
	Rate          decimal.Decimal `gorm:"column:rate;type:decimal(10,4);not null;default:0" json:"rate"`
	ReferenceID   string          `gorm:"column:reference_id;size:64;not null;uniqueIndex:idx_entries_reference,priority:1" json:"reference_id"`
	TransactionID string          `gorm:"column:transaction_id;size:32;index" json:"transaction_id"`
	Description   string          `gorm:"column:description" json:"description"`
	PreviousHash  string          `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash          string          `gorm:"column:hash;size:64;not null" json:"hash"`
	Metadata      datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}

type EntryParams struct {
	MemberID      string
	SourceID      string
	Type          EntryType
	Level         int
	Amount        decimal.Decimal
	Rate          decimal.Decimal
	ReferenceID   string
	TransactionID string
	Description   string
	Metadata      datatypes.JSON
}

func (m *Entry) HashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"member_id":      m.MemberID,
		"sequence":       strconv.FormatInt(m.Sequence, 10),
		"source_id":      m.SourceID,
		"type":           string(m.Type),
		"level":          strconv.Itoa(m.Level),
		"amount":         m.Amount.StringFixed(8),
		"rate":           m.Rate.StringFixed(4),
		"reference_id":   m.ReferenceID,
		"transaction_id": m.TransactionID,
		"description":    m.Description,
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

// GenerateHash is the SHA-256 of the sorted key=value pairs of HashFields.
func (m *Entry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// NewTransactionID groups the entries written by one operation.
func NewTransactionID() (string, error) {
	r := make([]byte, 4)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("TX-%s-%s", time.Now().UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}

type ListRequest struct {
	MemberID string    `form:"-"`
	Type     EntryType `form:"type"`
	Cursor   string    `form:"cursor"`
	Limit    int       `form:"limit,default=20" binding:"gte=1,lte=250"`
}

type EntryPage struct {
	Data     []*Entry             `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type VerifyResult struct {
	MemberID string `json:"member_id"`
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
}
