package ledger

import (
	"context"
	"errors"
	"time"

	"stakeledger/pkg/db/option"
	"stakeledger/pkg/db/pagination"
	"stakeledger/pkg/errutil"
	"stakeledger/pkg/gen"
	"stakeledger/pkg/logger"
	"stakeledger/pkg/repository"
	"stakeledger/services/account"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("stakeledger/services/ledger")

type Service struct {
	db      *gorm.DB
	ids     gen.IDGenerator
	entries repository.Repository[Entry]
	now     func() time.Time
}

type ServiceParams struct {
	fx.In
	DB  *gorm.DB
	IDs *gen.SnowflakeNode
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		ids:     p.IDs,
		entries: repository.ProvideStore[Entry](p.DB),
		now:     time.Now,
	}
}

// Append writes the next entry of the member's chain inside tx. A reference
// already recorded for the same member, source and type yields
// ErrDuplicateReference.
// Two writers racing on the same chain position surface as a version conflict
// so the caller's transaction is retried.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, p EntryParams) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "ledger.Append")
	defer span.End()

	if p.MemberID == "" || p.ReferenceID == "" || !p.Type.Valid() || !p.Amount.IsPositive() {
		return nil, ErrInvalidEntry
	}
	if tx == nil {
		tx = s.db
	}

	entries := s.entries.WithTrx(tx)

	dup, err := entries.FindOne(ctx, &Entry{MemberID: p.MemberID, ReferenceID: p.ReferenceID, Type: p.Type},
		option.ApplyOperator(option.Condition{Field: "source_id", Value: p.SourceID}),
	)
	if err != nil {
		return nil, errutil.Internal("failed to check reference", err)
	}
	if dup != nil {
		return nil, ErrDuplicateReference
	}

	last, err := s.lastEntry(ctx, tx, p.MemberID)
	if err != nil {
		return nil, errutil.Internal("failed to load chain head", err)
	}

	entry := &Entry{
		ID:            s.ids.NextID(),
		MemberID:      p.MemberID,
		Sequence:      1,
		SourceID:      p.SourceID,
		Type:          p.Type,
		Level:         p.Level,
		Amount:        p.Amount,
		Rate:          p.Rate,
		ReferenceID:   p.ReferenceID,
		TransactionID: p.TransactionID,
		Description:   p.Description,
		Metadata:      p.Metadata,
		// postgres keeps microseconds, the hash must survive a round trip
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := entries.Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Wrap(account.ErrVersionConflict, err)
		}
		logger.FromContext(ctx).Error("failed to append ledger entry",
			zap.String("member_id", p.MemberID),
			zap.String("reference_id", p.ReferenceID),
			zap.Error(err),
		)
		return nil, errutil.Internal("failed to append ledger entry", err)
	}

	return entry, nil
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB, memberID string) (*Entry, error) {
	return s.entries.WithTrx(tx).FindOne(ctx, &Entry{MemberID: memberID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}),
		option.WithLockingUpdate(),
	)
}

// ExistsReference reports whether any entry of type t carries referenceID.
func (s *Service) ExistsReference(ctx context.Context, tx *gorm.DB, referenceID string, t EntryType) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	n, err := s.entries.WithTrx(tx).Count(ctx, &Entry{ReferenceID: referenceID, Type: t})
	if err != nil {
		return false, errutil.Internal("failed to check reference", err)
	}
	return n > 0, nil
}

// SourceReferenced reports whether the event (sourceID, referenceID) already
// produced an entry of one of the given types, on any member.
func (s *Service) SourceReferenced(ctx context.Context, tx *gorm.DB, sourceID, referenceID string, types ...EntryType) (bool, error) {
	if tx == nil {
		tx = s.db
	}

	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	found, err := s.entries.WithTrx(tx).Find(ctx, &Entry{SourceID: sourceID, ReferenceID: referenceID},
		option.ApplyOperator(option.Condition{Field: "type", Operator: option.IN, Value: names}),
		option.WithLimit(1),
	)
	if err != nil {
		return false, errutil.Internal("failed to check reference", err)
	}
	return len(found) > 0, nil
}

// ByReference lists the entries written for referenceID across all members.
func (s *Service) ByReference(ctx context.Context, referenceID string) ([]*Entry, error) {
	return s.entries.Find(ctx, &Entry{ReferenceID: referenceID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}

// ListEntries pages through a member's entries newest first.
func (s *Service) ListEntries(ctx context.Context, req ListRequest) (*EntryPage, error) {
	ctx, span := tracer.Start(ctx, "ledger.ListEntries")
	defer span.End()

	if req.Type != "" && !req.Type.Valid() {
		return nil, errutil.BadRequest("unknown entry type", nil)
	}

	page := pagination.Pagination{Cursor: req.Cursor, Limit: req.Limit}
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}),
		option.ApplyPagination(page),
	}

	if req.Cursor != "" {
		cur, err := pagination.DecodeCursor(req.Cursor)
		if err != nil {
			return nil, errutil.Wrap(ErrInvalidCursor, err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "sequence",
			Operator: option.LT,
			Value:    cur.Position,
		}))
	}

	rows, err := s.entries.Find(ctx, &Entry{MemberID: req.MemberID, Type: req.Type}, opts...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list entries", zap.String("member_id", req.MemberID), zap.Error(err))
		return nil, errutil.Internal("failed to list entries", err)
	}

	data, info := pagination.Page(rows, page.Size(), func(e *Entry) pagination.Cursor {
		return pagination.Cursor{Position: e.Sequence}
	})

	return &EntryPage{Data: data, PageInfo: info}, nil
}

func (s *Service) GetEntry(ctx context.Context, id string) (*Entry, error) {
	entry, err := s.entries.FindOne(ctx, &Entry{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to FindOne entry", zap.String("entry_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to load entry", err)
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// VerifyChain recomputes every hash of the member's chain in sequence order.
func (s *Service) VerifyChain(ctx context.Context, memberID string) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	entries, err := s.entries.Find(ctx, &Entry{MemberID: memberID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "asc",
			Allow:   map[string]bool{"sequence": true},
		}),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query Find entries", zap.String("member_id", memberID), zap.Error(err))
		return nil, errutil.Internal("failed to load chain", err)
	}

	res := &VerifyResult{MemberID: memberID, Valid: true, Entries: len(entries)}

	var lastHash string
	for i, entry := range entries {
		if entry.Sequence != int64(i+1) || entry.PreviousHash != lastHash || entry.Hash != entry.GenerateHash() {
			res.Valid = false
			res.BrokenAt = entry.ID
			logger.FromContext(ctx).Warn("ledger chain broken", zap.String("member_id", memberID), zap.String("entry_id", entry.ID))
			break
		}
		lastHash = entry.Hash
	}

	return res, nil
}
