// internal/loyalty/implementation.go
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"creamcrm/internal/ledger"
)

const (
	searchLimit       = 20
	serialAttempts    = 5
	maxMessageTitle   = 80
	maxMessageBody    = 500
	defaultMsgTitle   = "Message"
	serialPrefix      = "CREAM-"
	serialLowerBound  = 100000
	serialRangeLength = 900000
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Options tunes the loyalty service.
type Options struct {
	// RegistrationsPerMinute bounds self-service sign-ups. Zero disables the limit.
	RegistrationsPerMinute int
}

// service implements the Service interface.
type service struct {
	store       ledger.MemberStore
	updater     PassUpdater
	logger      *zap.Logger
	rateLimiter *rate.Limiter
	metrics     *instruments
}

type noopUpdater struct{}

func (noopUpdater) OnMemberMutated(context.Context, string) {}

// NewService creates a new loyalty service instance.
func NewService(store ledger.MemberStore, updater PassUpdater, logger *zap.Logger, opts Options) (Service, error) {
	if updater == nil {
		updater = noopUpdater{}
	}
	metrics, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("create loyalty instruments: %w", err)
	}

	var limiter *rate.Limiter
	if opts.RegistrationsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RegistrationsPerMinute)), opts.RegistrationsPerMinute)
	}

	return &service{
		store:       store,
		updater:     updater,
		logger:      logger.Named("loyalty"),
		rateLimiter: limiter,
		metrics:     metrics,
	}, nil
}

// RegisterMember creates a member with a fresh CREAM-NNNNNN serial.
func (s *service) RegisterMember(ctx context.Context, req RegisterRequest) (*ledger.Member, error) {
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if len([]rune(req.Name)) < 2 {
		return nil, fmt.Errorf("%w: name must be at least 2 characters", ErrValidation)
	}
	if !emailPattern.MatchString(req.Email) {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}

	for attempt := 0; attempt < serialAttempts; attempt++ {
		member := &ledger.Member{
			Serial:   newSerial(),
			Name:     req.Name,
			Email:    req.Email,
			Phone:    strings.TrimSpace(req.Phone),
			Birthday: strings.TrimSpace(req.Birthday),
			Gender:   strings.TrimSpace(req.Gender),
		}
		err := s.store.CreateMember(ctx, member)
		if errors.Is(err, ledger.ErrDuplicateSerial) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("register member: %w", err)
		}

		s.metrics.registrations.Add(ctx, 1)
		s.logger.Info("member registered", zap.String("serial", member.Serial))
		return member, nil
	}
	return nil, fmt.Errorf("register member: %w", ledger.ErrDuplicateSerial)
}

func newSerial() string {
	return fmt.Sprintf("%s%06d", serialPrefix, serialLowerBound+rand.IntN(serialRangeLength))
}

func (s *service) GetMember(ctx context.Context, serial string) (*ledger.Member, error) {
	if serial == "" {
		return nil, fmt.Errorf("%w: missing serial", ErrValidation)
	}
	return s.store.GetMember(ctx, serial)
}

func (s *service) ListMembers(ctx context.Context) ([]*ledger.Member, error) {
	return s.store.ListMembers(ctx)
}

func (s *service) SearchMembers(ctx context.Context, query string) ([]*ledger.Member, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: missing search query", ErrValidation)
	}
	return s.store.SearchMembers(ctx, query, searchLimit)
}

func (s *service) DeleteMember(ctx context.Context, serial string) error {
	if serial == "" {
		return fmt.Errorf("%w: missing serial", ErrValidation)
	}
	if err := s.store.DeleteMember(ctx, serial); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	s.logger.Info("member deleted", zap.String("serial", serial))
	return nil
}

// AddStamp applies one stamp. The stamp is committed before the pass update is
// triggered; a failed push never undoes it.
func (s *service) AddStamp(ctx context.Context, serial string) (*StampResult, error) {
	if serial == "" {
		return nil, fmt.Errorf("%w: missing serial", ErrValidation)
	}

	var earned bool
	member, err := s.store.Mutate(ctx, serial, func(m *ledger.Member) ([]ledger.HistoryEntry, error) {
		next, rewardEarned := AddStamp(countersOf(m))
		next.applyTo(m)
		earned = rewardEarned
		if rewardEarned {
			return []ledger.HistoryEntry{{Type: ledger.HistoryEarned, Description: descriptionEarned}}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("add stamp: %w", err)
	}

	s.metrics.stampsAdded.Add(ctx, 1)
	if earned {
		s.metrics.rewardsEarned.Add(ctx, 1)
	}
	s.logger.Info("stamp added",
		zap.String("serial", serial),
		zap.Int("stamps", member.Stamps),
		zap.Int("available_rewards", member.AvailableRewards),
		zap.Bool("reward_earned", earned),
	)

	s.updater.OnMemberMutated(ctx, serial)
	return &StampResult{Member: member, RewardEarned: earned}, nil
}

func (s *service) RedeemReward(ctx context.Context, serial string) (*ledger.Member, error) {
	if serial == "" {
		return nil, fmt.Errorf("%w: missing serial", ErrValidation)
	}

	member, err := s.store.Mutate(ctx, serial, func(m *ledger.Member) ([]ledger.HistoryEntry, error) {
		next, err := RedeemReward(countersOf(m))
		if err != nil {
			return nil, err
		}
		next.applyTo(m)
		return []ledger.HistoryEntry{{Type: ledger.HistoryRedeemed, Description: descriptionRedeemed}}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("redeem reward: %w", err)
	}

	s.metrics.rewardsRedeemed.Add(ctx, 1)
	s.logger.Info("reward redeemed", zap.String("serial", serial), zap.Int("available_rewards", member.AvailableRewards))

	s.updater.OnMemberMutated(ctx, serial)
	return member, nil
}

// SendMessage stores the message shown on the back of the member's pass.
func (s *service) SendMessage(ctx context.Context, serial string, msg MessageRequest) (*ledger.Member, error) {
	if serial == "" {
		return nil, fmt.Errorf("%w: missing serial", ErrValidation)
	}
	msg.Title = strings.TrimSpace(msg.Title)
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Body == "" {
		return nil, fmt.Errorf("%w: message body is required", ErrValidation)
	}
	if msg.Title == "" {
		msg.Title = defaultMsgTitle
	}
	if len([]rune(msg.Title)) > maxMessageTitle || len([]rune(msg.Body)) > maxMessageBody {
		return nil, fmt.Errorf("%w: message too long", ErrValidation)
	}

	member, err := s.store.Mutate(ctx, serial, func(m *ledger.Member) ([]ledger.HistoryEntry, error) {
		m.LatestMessageTitle = msg.Title
		m.LatestMessageBody = msg.Body
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.logger.Info("message sent", zap.String("serial", serial))
	s.updater.OnMemberMutated(ctx, serial)
	return member, nil
}

// RefreshPass pushes an update without changing the member.
func (s *service) RefreshPass(ctx context.Context, serial string) error {
	if _, err := s.GetMember(ctx, serial); err != nil {
		return fmt.Errorf("refresh pass: %w", err)
	}
	s.updater.OnMemberMutated(ctx, serial)
	return nil
}

func (s *service) History(ctx context.Context, serial string) ([]ledger.HistoryEntry, error) {
	if serial == "" {
		return nil, fmt.Errorf("%w: missing serial", ErrValidation)
	}
	return s.store.History(ctx, serial)
}

func (s *service) Stats(ctx context.Context) (ledger.Stats, error) {
	return s.store.Stats(ctx)
}
