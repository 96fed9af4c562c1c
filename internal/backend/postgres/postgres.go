// Package postgres applies queued actions directly to the rent database.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentsync/internal/domain"
	"rentsync/internal/ledger"
)

const foreignKeyViolation = "23503"

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date.
func Migrate(dsn string) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the migrate
// driver registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) RecordPayment(ctx context.Context, ref string, p domain.RecordPayment) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var referrer *string
		if p.ReferrerAgentID != "" {
			referrer = &p.ReferrerAgentID
		}
		var paymentID int64
		err := tx.QueryRow(ctx, `
insert into payments (client_ref, tenant_id, agent_id, referrer_agent_id, amount_cents, paid, paid_on)
values ($1,$2,$3,$4,$5,true,$6::date)
on conflict (client_ref) do nothing
returning id`, ref, p.TenantID, p.AgentID, referrer, p.AmountCents, p.PaidOn).Scan(&paymentID)
		if errors.Is(err, pgx.ErrNoRows) {
			// replayed action, already applied
			return nil
		}
		if err != nil {
			return err
		}

		split := ledger.Split(p.AmountCents)
		if _, err := tx.Exec(ctx, `
insert into agent_earnings (agent_id, payment_id, kind, amount_cents) values ($1,$2,'commission',$3)`,
			p.AgentID, paymentID, split.AgentCents); err != nil {
			return err
		}
		if referrer != nil && split.ReferrerCents > 0 {
			if _, err := tx.Exec(ctx, `
insert into agent_earnings (agent_id, payment_id, kind, amount_cents) values ($1,$2,'referral',$3)`,
				*referrer, paymentID, split.ReferrerCents); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UpdatePayment(ctx context.Context, _ string, p domain.UpdatePayment) error {
	tag, err := s.db.Exec(ctx, `
update payments
   set paid = $2,
       amount_cents = coalesce($3, amount_cents),
       updated_at = now()
 where id::text = $1`, p.PaymentID, p.Paid, p.AmountCents)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Permanent(fmt.Errorf("payment %s not found", p.PaymentID))
	}
	return nil
}

func (s *Store) CreateTenant(ctx context.Context, ref string, p domain.CreateTenant) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
insert into tenants (id, client_ref, name, agent_id, phone, daily_rent_cents, status)
values ($1,$2,$3,$4,$5,$6,'active')
on conflict do nothing`, p.TenantID, ref, p.Name, p.AgentID, p.Phone, p.DailyRentCents)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var existingRef *string
		if err := tx.QueryRow(ctx, `select client_ref from tenants where id = $1`, p.TenantID).Scan(&existingRef); err != nil {
			return err
		}
		if existingRef != nil && *existingRef == ref {
			return nil
		}
		return domain.Permanent(fmt.Errorf("tenant %s already exists", p.TenantID))
	})
}

func (s *Store) UpdateTenant(ctx context.Context, _ string, p domain.UpdateTenant) error {
	tag, err := s.db.Exec(ctx, `
update tenants
   set name = coalesce($2, name),
       phone = coalesce($3, phone),
       daily_rent_cents = coalesce($4, daily_rent_cents),
       status = coalesce($5, status),
       updated_at = now()
 where id = $1`, p.TenantID, p.Name, p.Phone, p.DailyRentCents, p.Status)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Permanent(fmt.Errorf("tenant %s not found", p.TenantID))
	}
	return nil
}

// RequestWithdrawal files a pending request if the agent's unspent earnings
// cover it. Requests for the same agent are serialised with an advisory lock.
func (s *Store) RequestWithdrawal(ctx context.Context, ref string, p domain.RequestWithdrawal) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `select exists(select 1 from withdrawal_requests where client_ref = $1)`, ref).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
		if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtext($1))`, p.AgentID); err != nil {
			return err
		}
		var available int64
		if err := tx.QueryRow(ctx, `
select coalesce((select sum(amount_cents) from agent_earnings where agent_id = $1), 0)
     - coalesce((select sum(amount_cents) from withdrawal_requests where agent_id = $1 and status <> 'rejected'), 0)`,
			p.AgentID).Scan(&available); err != nil {
			return err
		}
		if available < p.AmountCents {
			return domain.Permanent(fmt.Errorf("insufficient balance for agent %s: available %d, requested %d", p.AgentID, available, p.AmountCents))
		}
		_, err := tx.Exec(ctx, `
insert into withdrawal_requests (client_ref, agent_id, amount_cents, method, status)
values ($1,$2,$3,$4,'pending')`, ref, p.AgentID, p.AmountCents, p.Method)
		return err
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// classify marks integrity and data errors as permanent; everything else
// (connection loss, serialization failures, timeouts) is worth a retry.
// A foreign key miss stays retryable: the referenced tenant may still be
// waiting further up the queue.
func classify(err error) error {
	if err == nil || domain.IsPermanent(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == foreignKeyViolation:
			return err
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return domain.Permanent(err)
		}
	}
	return err
}
