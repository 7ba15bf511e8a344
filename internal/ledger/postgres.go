// internal/ledger/postgres.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
)

const memberColumns = `id, member_id, name, email, phone, birthday, gender, stamps, total_rewards,
	available_rewards, latest_message_title, latest_message_body, version, created_at, updated_at`

// PostgresStore is the production Store. Per-member atomicity comes from row
// locks taken with SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("creamcrm/ledger"),
		now:    time.Now,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	m := &Member{}
	err := row.Scan(
		&m.ID,
		&m.Serial,
		&m.Name,
		&m.Email,
		&m.Phone,
		&m.Birthday,
		&m.Gender,
		&m.Stamps,
		&m.TotalRewards,
		&m.AvailableRewards,
		&m.LatestMessageTitle,
		&m.LatestMessageBody,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *PostgresStore) CreateMember(ctx context.Context, m *Member) error {
	ctx, span := s.tracer.Start(ctx, "ledger.create_member",
		trace.WithAttributes(attribute.String("member.serial", m.Serial)),
	)
	defer span.End()

	if err := m.validate(); err != nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO members (member_id, name, email, phone, birthday, gender, stamps, total_rewards,
			available_rewards, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id, created_at, updated_at
	`, m.Serial, m.Name, m.Email, m.Phone, m.Birthday, m.Gender, m.Stamps, m.TotalRewards,
		m.AvailableRewards, now,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			if strings.Contains(pqErr.Constraint, "email") {
				return ErrDuplicateEmail
			}
			return ErrDuplicateSerial
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert member: %w", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, serial string) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.get_member",
		trace.WithAttributes(attribute.String("member.serial", serial)),
	)
	defer span.End()

	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE member_id = $1`, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context) ([]*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.list_members")
	defer span.End()

	return s.queryMembers(ctx, `SELECT `+memberColumns+` FROM members ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) SearchMembers(ctx context.Context, query string, limit int) ([]*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.search_members",
		trace.WithAttributes(attribute.Int("search.limit", limit)),
	)
	defer span.End()

	pattern := "%" + likeEscaper.Replace(query) + "%"
	return s.queryMembers(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE name ILIKE $1 OR email ILIKE $1 OR member_id ILIKE $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, pattern, limit)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *PostgresStore) queryMembers(ctx context.Context, query string, args ...any) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, serial string) error {
	ctx, span := s.tracer.Start(ctx, "ledger.delete_member",
		trace.WithAttributes(attribute.String("member.serial", serial)),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE member_id = $1`, serial)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// Mutate locks the member row, applies fn and writes counters and history in one
// transaction.
func (s *PostgresStore) Mutate(ctx context.Context, serial string, fn MutateFunc) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.mutate",
		trace.WithAttributes(attribute.String("member.serial", serial)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMember(tx.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE member_id = $1 FOR UPDATE`, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock member: %w", err)
	}
	span.SetAttributes(attribute.Int("member.version", m.Version))

	prevUpdatedAt := m.UpdatedAt
	entries, err := fn(m)
	if err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	m.UpdatedAt = nextUpdatedAt(prevUpdatedAt, s.now())
	m.Version++

	_, err = tx.ExecContext(ctx, `
		UPDATE members
		SET stamps = $1, total_rewards = $2, available_rewards = $3,
		    latest_message_title = $4, latest_message_body = $5,
		    version = $6, updated_at = $7
		WHERE id = $8
	`, m.Stamps, m.TotalRewards, m.AvailableRewards, m.LatestMessageTitle, m.LatestMessageBody,
		m.Version, m.UpdatedAt, m.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
			return nil, ErrInvariant
		}
		return nil, fmt.Errorf("update member: %w", err)
	}

	if err := s.appendHistory(ctx, tx, m, entries); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("mutate.success", true), attribute.Int("history.count", len(entries)))
	return m, nil
}

func (s *PostgresStore) Touch(ctx context.Context, serial string) (time.Time, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.touch",
		trace.WithAttributes(attribute.String("member.serial", serial)),
	)
	defer span.End()

	now := s.now().UTC().Truncate(time.Microsecond)
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE members
		SET updated_at = GREATEST($2::timestamptz, updated_at + INTERVAL '1 microsecond')
		WHERE member_id = $1
		RETURNING updated_at
	`, serial, now).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrMemberNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("touch member: %w", err)
	}
	return updatedAt.UTC(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.stats")
	defer span.End()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(stamps), 0),
		       COALESCE(SUM(total_rewards), 0),
		       COUNT(*) FILTER (WHERE created_at >= date_trunc('day', NOW()))
		FROM members
	`).Scan(&st.TotalMembers, &st.TotalStamps, &st.TotalRewards, &st.TodayMembers)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) UpsertRegistration(ctx context.Context, reg Registration) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.upsert_registration",
		trace.WithAttributes(
			attribute.String("device.id", reg.DeviceID),
			attribute.String("member.serial", reg.Serial),
		),
	)
	defer span.End()

	now := s.now().UTC()
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pass_registrations (device_library_id, pass_type_id, serial_number, push_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (device_library_id, pass_type_id, serial_number)
		DO UPDATE SET push_token = EXCLUDED.push_token, updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)
	`, reg.DeviceID, reg.PassTypeID, reg.Serial, reg.PushToken, now).Scan(&inserted)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return false, ErrMemberNotFound
		}
		return false, fmt.Errorf("upsert registration: %w", err)
	}

	span.SetAttributes(attribute.Bool("registration.created", inserted))
	return inserted, nil
}

func (s *PostgresStore) DeleteRegistration(ctx context.Context, deviceID, passTypeID, serial string) error {
	ctx, span := s.tracer.Start(ctx, "ledger.delete_registration")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pass_registrations
		WHERE device_library_id = $1 AND pass_type_id = $2 AND serial_number = $3
	`, deviceID, passTypeID, serial)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

func (s *PostgresStore) RegisteredSerials(ctx context.Context, deviceID, passTypeID string) ([]SerialUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.registered_serials",
		trace.WithAttributes(attribute.String("device.id", deviceID)),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT pr.serial_number, m.updated_at
		FROM pass_registrations pr
		JOIN members m ON pr.serial_number = m.member_id
		WHERE pr.device_library_id = $1 AND pr.pass_type_id = $2
		ORDER BY pr.serial_number
	`, deviceID, passTypeID)
	if err != nil {
		return nil, fmt.Errorf("query registered serials: %w", err)
	}
	defer rows.Close()

	var out []SerialUpdate
	for rows.Next() {
		var su SerialUpdate
		if err := rows.Scan(&su.Serial, &su.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan registered serial: %w", err)
		}
		su.UpdatedAt = su.UpdatedAt.UTC()
		out = append(out, su)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registered serials: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RegistrationsForSerial(ctx context.Context, serial string) ([]Registration, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.registrations_for_serial",
		trace.WithAttributes(attribute.String("member.serial", serial)),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_library_id, pass_type_id, serial_number, push_token, created_at, updated_at
		FROM pass_registrations
		WHERE serial_number = $1
		ORDER BY device_library_id
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var r Registration
		if err := rows.Scan(&r.DeviceID, &r.PassTypeID, &r.Serial, &r.PushToken, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}

	span.SetAttributes(attribute.Int("registrations.count", len(out)))
	return out, nil
}

func (s *PostgresStore) DeleteRegistrationsByToken(ctx context.Context, pushToken string) error {
	ctx, span := s.tracer.Start(ctx, "ledger.delete_registrations_by_token")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pass_registrations WHERE push_token = $1`, pushToken); err != nil {
		return fmt.Errorf("delete registrations by token: %w", err)
	}
	return nil
}
