// internal/loyalty/service.go
package loyalty

import (
	"context"

	"creamcrm/internal/ledger"
)

// Service defines the staff-facing loyalty operations.
type Service interface {
	RegisterMember(ctx context.Context, req RegisterRequest) (*ledger.Member, error)
	GetMember(ctx context.Context, serial string) (*ledger.Member, error)
	ListMembers(ctx context.Context) ([]*ledger.Member, error)
	SearchMembers(ctx context.Context, query string) ([]*ledger.Member, error)
	DeleteMember(ctx context.Context, serial string) error
	AddStamp(ctx context.Context, serial string) (*StampResult, error)
	RedeemReward(ctx context.Context, serial string) (*ledger.Member, error)
	SendMessage(ctx context.Context, serial string, msg MessageRequest) (*ledger.Member, error)
	RefreshPass(ctx context.Context, serial string) error
	History(ctx context.Context, serial string) ([]ledger.HistoryEntry, error)
	Stats(ctx context.Context) (ledger.Stats, error)
}

// PassUpdater is told about every member mutation that changes the pass.
type PassUpdater interface {
	OnMemberMutated(ctx context.Context, serial string)
}
