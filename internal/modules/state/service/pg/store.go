package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("not found")

// Store — кандидаты и сделки в Postgres. Кандидат хранится целиком (jsonb),
// отдельные колонки только для выборок.
type Store struct {
	db *db.PgTxManager
}

func New(db *db.PgTxManager) *Store {
	return &Store{db: db}
}

// Migrate применяет встроенные миграции по порядку имён. Миграции идемпотентны.
func (s *Store) Migrate(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Migrate: %w", err)
		}
	}()

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err = s.db.Conn().Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

const upsertCandidate = `
INSERT INTO candidates (id, symbol, side, seq, state, reason, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    payload = EXCLUDED.payload,
    updated_at = EXCLUDED.updated_at`

const insertTransition = `
INSERT INTO candidate_transitions (candidate_id, from_state, to_state, reason, at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (candidate_id, to_state, at) DO NOTHING`

// SaveTransitions пишет пачку переходов одной транзакцией: снапшот кандидата и строку перехода.
func (s *Store) SaveTransitions(ctx context.Context, trs []models.Transition) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveTransitions: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		for _, tr := range trs {
			if err := saveCandidate(ctxTx, tx, tr.Candidate); err != nil {
				return err
			}
			if tr.From == "" {
				continue
			}
			if _, err := tx.Exec(ctxTx, insertTransition,
				tr.CandidateID, string(tr.From), string(tr.To), string(tr.Reason), tr.At,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveCandidate(ctx context.Context, tx pgx.Tx, c models.SetupCandidate) error {
	payload, err := sonic.Marshal(c)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, upsertCandidate,
		c.ID, c.Symbol, string(c.Side), c.Seq, string(c.State), string(c.Reason),
		payload, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// книга не откатывается назад, если снимки пришли не по порядку
const upsertBook = `
INSERT INTO tracker_books (symbol, last_time, payload, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (symbol) DO UPDATE SET
    last_time = EXCLUDED.last_time,
    payload = EXCLUDED.payload,
    updated_at = EXCLUDED.updated_at
WHERE tracker_books.last_time <= EXCLUDED.last_time`

// SaveCheckpoint пишет книгу символа и изменившихся кандидатов одной транзакцией.
// Строк переходов здесь нет: кандидат сменил только содержимое, не состояние.
func (s *Store) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveCheckpoint: %w", err)
		}
	}()

	payload, err := sonic.Marshal(cp.Book)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		for _, c := range cp.Candidates {
			if err := saveCandidate(ctxTx, tx, c); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctxTx, upsertBook, cp.Book.Symbol, cp.Book.LastTime, payload)
		return err
	})
}

// LoadBooks — сохранённые книги трекера по символам.
func (s *Store) LoadBooks(ctx context.Context) (out []models.BookState, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LoadBooks: %w", err)
		}
	}()

	rows, err := s.db.Conn().Query(ctx, `SELECT payload FROM tracker_books ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err = rows.Scan(&payload); err != nil {
			return nil, err
		}
		var b models.BookState
		if err = sonic.Unmarshal(payload, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LoadActiveCandidates — нетерминальные кандидаты в порядке создания.
func (s *Store) LoadActiveCandidates(ctx context.Context) (out []models.SetupCandidate, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LoadActiveCandidates: %w", err)
		}
	}()

	rows, err := s.db.Conn().Query(ctx, `
SELECT payload FROM candidates
WHERE state NOT IN ($1, $2)
ORDER BY created_at, seq, side DESC, id`,
		string(models.StateSetupComplete), string(models.StateInvalidated))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err = rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c models.SetupCandidate
		if err = sonic.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Transitions — журнал переходов кандидата.
func (s *Store) Transitions(ctx context.Context, candidateID string) (out []models.Transition, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Transitions: %w", err)
		}
	}()

	err = s.db.RunRepeatableRead(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctxTx, `
SELECT t.from_state, t.to_state, t.reason, t.at, c.symbol, c.side
FROM candidate_transitions t JOIN candidates c ON c.id = t.candidate_id
WHERE t.candidate_id = $1
ORDER BY t.id`, candidateID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				tr               models.Transition
				from, to, reason string
				side             string
			)
			if err = rows.Scan(&from, &to, &reason, &tr.At, &tr.Symbol, &side); err != nil {
				return err
			}
			tr.CandidateID = candidateID
			tr.From = models.CandidateState(from)
			tr.To = models.CandidateState(to)
			tr.Reason = models.InvalidationReason(reason)
			tr.Side = models.Side(side)
			tr.At = tr.At.UTC()
			out = append(out, tr)
		}
		return rows.Err()
	})
	return out, err
}

const upsertTrade = `
INSERT INTO trades (reference, candidate_id, symbol, side, status, entry, stop_loss, take_profit, size,
                    entry_order_id, stop_order_id, target_order_id, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (reference) DO UPDATE SET
    status = EXCLUDED.status,
    size = EXCLUDED.size,
    entry_order_id = EXCLUDED.entry_order_id,
    stop_order_id = EXCLUDED.stop_order_id,
    target_order_id = EXCLUDED.target_order_id,
    reason = EXCLUDED.reason,
    updated_at = EXCLUDED.updated_at`

func (s *Store) SaveTrade(ctx context.Context, t models.Trade) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SaveTrade: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, upsertTrade,
			t.Reference, t.CandidateID, t.Symbol, string(t.Side), string(t.Status),
			t.Entry, t.StopLoss, t.TakeProfit, t.Size,
			t.EntryOrderID, t.StopOrderID, t.TargetOrderID, t.Reason,
			t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
}

const selectTrade = `
SELECT reference, candidate_id, symbol, side, status, entry, stop_loss, take_profit, size,
       entry_order_id, stop_order_id, target_order_id, reason, created_at, updated_at
FROM trades`

func (s *Store) GetTrade(ctx context.Context, reference string) (t models.Trade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.GetTrade: %w", err)
		}
	}()

	t, err = scanTrade(s.db.Conn().QueryRow(ctx, selectTrade+` WHERE reference = $1`, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// LoadOpenTrades — сделки, по которым у брокера может висеть позиция.
func (s *Store) LoadOpenTrades(ctx context.Context) (out []models.Trade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LoadOpenTrades: %w", err)
		}
	}()

	rows, err := s.db.Conn().Query(ctx, selectTrade+` WHERE status IN ($1, $2) ORDER BY created_at, reference`,
		string(models.TradePending), string(models.TradePlaced))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row pgx.Row) (models.Trade, error) {
	var (
		t                    models.Trade
		side, status, reason string
	)
	err := row.Scan(&t.Reference, &t.CandidateID, &t.Symbol, &side, &status,
		&t.Entry, &t.StopLoss, &t.TakeProfit, &t.Size,
		&t.EntryOrderID, &t.StopOrderID, &t.TargetOrderID, &reason,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Side = models.Side(side)
	t.Status = models.TradeStatus(status)
	t.Reason = models.DecisionReason(reason)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
