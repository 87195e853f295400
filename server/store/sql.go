package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"talkspace/server/apperr"
	"talkspace/server/metrics"
	"talkspace/server/model"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQL is a Store backed by database/sql. Queries are written with ?
// placeholders and rebound for PostgreSQL.
//
// SQLite runs with a single connection, so a function must finish reading
// its rows before it issues the next statement.
type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQL connects, pings and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	var driverName string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQL{db: db, driver: driver, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) createSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *SQL) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func unixMilli(t time.Time) int64 { return t.UnixMilli() }

func fromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ---- messages ----

func (s *SQL) CreateMessage(ctx context.Context, msg *model.Message) error {
	defer observe("create_message", time.Now())
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO message (id, room_id, author, body, attachment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.RoomID, msg.Author, msg.Body, msg.Attachment, unixMilli(msg.CreatedAt))
	return err
}

func (s *SQL) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return s.getMessage(ctx, s.db, id)
}

func (s *SQL) getMessage(ctx context.Context, db queryer, id string) (*model.Message, error) {
	var msg model.Message
	var created int64
	err := db.QueryRowContext(ctx, s.q(`
		SELECT id, room_id, author, body, attachment, created_at
		FROM message WHERE id = ?
	`), id).Scan(&msg.ID, &msg.RoomID, &msg.Author, &msg.Body, &msg.Attachment, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = fromUnixMilli(created)

	msg.SeenBy, err = s.collectStrings(ctx, db, s.q(`
		SELECT viewer FROM message_seen WHERE message_id = ? ORDER BY seen_at, viewer
	`), id)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQL) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, room_id, author, body, attachment, created_at
		FROM message WHERE room_id = ?
		ORDER BY created_at, id
	`), roomID)
	if err != nil {
		return nil, err
	}
	messages := make([]model.Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		var msg model.Message
		var created int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Author, &msg.Body, &msg.Attachment, &created); err != nil {
			rows.Close()
			return nil, err
		}
		msg.CreatedAt = fromUnixMilli(created)
		msg.SeenBy = []string{}
		index[msg.ID] = len(messages)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	seen, err := s.db.QueryContext(ctx, s.q(`
		SELECT s.message_id, s.viewer
		FROM message_seen s JOIN message m ON m.id = s.message_id
		WHERE m.room_id = ?
		ORDER BY s.seen_at, s.viewer
	`), roomID)
	if err != nil {
		return nil, err
	}
	defer seen.Close()
	for seen.Next() {
		var msgID, viewer string
		if err := seen.Scan(&msgID, &viewer); err != nil {
			return nil, err
		}
		if i, ok := index[msgID]; ok {
			messages[i].SeenBy = append(messages[i].SeenBy, viewer)
		}
	}
	return messages, seen.Err()
}

func (s *SQL) UpdateMessageBody(ctx context.Context, id, body string) (*model.Message, error) {
	defer observe("update_message", time.Now())
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE message SET body = ? WHERE id = ?`), body, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, apperr.NotFound("message %s not found", id)
	}
	return s.getMessage(ctx, s.db, id)
}

func (s *SQL) DeleteMessage(ctx context.Context, id string) error {
	defer observe("delete_message", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM message WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperr.NotFound("message %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM message_seen WHERE message_id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRoomSeen is a single INSERT ... SELECT with ON CONFLICT DO NOTHING,
// so concurrent sweeps by different viewers never overwrite each other.
func (s *SQL) MarkRoomSeen(ctx context.Context, roomID, viewer string) (int, error) {
	defer observe("mark_seen", time.Now())
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO message_seen (message_id, viewer, seen_at)
		SELECT id, CAST(? AS TEXT), CAST(? AS BIGINT) FROM message WHERE room_id = ?
		ON CONFLICT (message_id, viewer) DO NOTHING
	`), viewer, s.now().UnixNano(), roomID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- polls ----

func (s *SQL) CreatePoll(ctx context.Context, poll *model.Poll) error {
	defer observe("create_poll", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO poll (id, room_id, question, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), poll.ID, poll.RoomID, poll.Question, poll.CreatedBy, unixMilli(poll.CreatedAt)); err != nil {
		return err
	}
	for i, opt := range poll.Options {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO poll_option (poll_id, idx, text, votes) VALUES (?, ?, ?, ?)
		`), poll.ID, i, opt.Text, opt.Votes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQL) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	defer observe("get_poll", time.Now())
	return s.getPoll(ctx, s.db, id)
}

func (s *SQL) getPoll(ctx context.Context, db queryer, id string) (*model.Poll, error) {
	var p model.Poll
	var created int64
	err := db.QueryRowContext(ctx, s.q(`
		SELECT id, room_id, question, created_by, created_at FROM poll WHERE id = ?
	`), id).Scan(&p.ID, &p.RoomID, &p.Question, &p.CreatedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("poll %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromUnixMilli(created)
	if err := s.loadPollDetails(ctx, db, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQL) loadPollDetails(ctx context.Context, db queryer, p *model.Poll) error {
	rows, err := db.QueryContext(ctx, s.q(`
		SELECT text, votes FROM poll_option WHERE poll_id = ? ORDER BY idx
	`), p.ID)
	if err != nil {
		return err
	}
	p.Options = make([]model.PollOption, 0)
	for rows.Next() {
		var opt model.PollOption
		if err := rows.Scan(&opt.Text, &opt.Votes); err != nil {
			rows.Close()
			return err
		}
		p.Options = append(p.Options, opt)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	p.Voters, err = s.collectStrings(ctx, db, s.q(`
		SELECT voter FROM poll_voter WHERE poll_id = ? ORDER BY voted_at, voter
	`), p.ID)
	return err
}

func (s *SQL) ListPolls(ctx context.Context, roomID string) ([]model.Poll, error) {
	defer observe("list_polls", time.Now())
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, room_id, question, created_by, created_at
		FROM poll WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
	`), roomID)
	if err != nil {
		return nil, err
	}
	polls := make([]model.Poll, 0)
	for rows.Next() {
		var p model.Poll
		var created int64
		if err := rows.Scan(&p.ID, &p.RoomID, &p.Question, &p.CreatedBy, &created); err != nil {
			rows.Close()
			return nil, err
		}
		p.CreatedAt = fromUnixMilli(created)
		polls = append(polls, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range polls {
		if err := s.loadPollDetails(ctx, s.db, &polls[i]); err != nil {
			return nil, err
		}
	}
	return polls, nil
}

// CastVote adds the voter row and bumps the option counter in one
// transaction. The voter primary key makes a duplicate vote a no-op insert,
// which is reported as AlreadyVoted and rolls back.
func (s *SQL) CastVote(ctx context.Context, pollID string, optionIndex int, voter string) (*model.Poll, error) {
	defer observe("cast_vote", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var options int
	if err := tx.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM poll_option WHERE poll_id = ?
	`), pollID).Scan(&options); err != nil {
		return nil, err
	}
	if options == 0 {
		return nil, apperr.NotFound("poll %s not found", pollID)
	}
	if optionIndex < 0 || optionIndex >= options {
		return nil, apperr.InvalidInput("optionIndex %d out of range", optionIndex)
	}

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO poll_voter (poll_id, voter, option_idx, voted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (poll_id, voter) DO NOTHING
	`), pollID, voter, optionIndex, s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, apperr.AlreadyVoted("%s has already voted", voter)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE poll_option SET votes = votes + 1 WHERE poll_id = ? AND idx = ?
	`), pollID, optionIndex); err != nil {
		return nil, err
	}

	p, err := s.getPoll(ctx, tx, pollID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- notifications ----

// MergeNotification runs find-or-create-then-merge as one transaction. The
// unique (category, room_id, origin_id) key keeps concurrent callers from
// creating two records for the same slot.
func (s *SQL) MergeNotification(ctx context.Context, n *model.Notification) (*model.Notification, bool, error) {
	defer observe("merge_notification", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO notification (id, category, room_id, origin_id, text, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, room_id, origin_id) DO NOTHING
	`), n.ID, n.Category, n.RoomID, n.OriginID, n.Text, boolInt(n.Read), unixMilli(n.CreatedAt))
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	var id string
	if err := tx.QueryRowContext(ctx, s.q(`
		SELECT id FROM notification WHERE category = ? AND room_id = ? AND origin_id = ?
	`), n.Category, n.RoomID, n.OriginID).Scan(&id); err != nil {
		return nil, false, err
	}

	base := s.now().UnixNano()
	for i, r := range n.Recipients {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO notification_recipient (notification_id, identity, added_at)
			VALUES (?, ?, ?)
			ON CONFLICT (notification_id, identity) DO NOTHING
		`), id, r, base+int64(i)); err != nil {
			return nil, false, err
		}
	}

	merged, err := s.getNotification(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return merged, inserted == 1, nil
}

func (s *SQL) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	defer observe("get_notification", time.Now())
	return s.getNotification(ctx, s.db, id)
}

func (s *SQL) getNotification(ctx context.Context, db queryer, id string) (*model.Notification, error) {
	var n model.Notification
	var read int
	var created int64
	err := db.QueryRowContext(ctx, s.q(`
		SELECT id, category, room_id, origin_id, text, is_read, created_at
		FROM notification WHERE id = ?
	`), id).Scan(&n.ID, &n.Category, &n.RoomID, &n.OriginID, &n.Text, &read, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	n.Read = read != 0
	n.CreatedAt = fromUnixMilli(created)
	n.Recipients, err = s.collectStrings(ctx, db, s.q(`
		SELECT identity FROM notification_recipient WHERE notification_id = ? ORDER BY added_at, identity
	`), id)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQL) ListNotifications(ctx context.Context, identity string) ([]model.Notification, error) {
	defer observe("list_notifications", time.Now())
	ids, err := s.collectStrings(ctx, s.db, s.q(`
		SELECT n.id
		FROM notification n JOIN notification_recipient r ON r.notification_id = n.id
		WHERE r.identity = ?
		ORDER BY n.created_at DESC, n.id DESC
	`), identity)
	if err != nil {
		return nil, err
	}
	out := make([]model.Notification, 0, len(ids))
	for _, id := range ids {
		n, err := s.getNotification(ctx, s.db, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *SQL) SetNotificationRead(ctx context.Context, id string, read bool) (*model.Notification, error) {
	defer observe("set_notification_read", time.Now())
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE notification SET is_read = ? WHERE id = ?`), boolInt(read), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	return s.getNotification(ctx, s.db, id)
}

func (s *SQL) RemoveRecipient(ctx context.Context, id, identity string) (*model.Notification, error) {
	defer observe("remove_recipient", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM notification_recipient WHERE notification_id = ? AND identity = ?
	`), id, identity)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, apperr.NotFound("notification %s not found for %s", id, identity)
	}

	deleted, err := s.deleteIfEmpty(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var remaining *model.Notification
	if !deleted {
		if remaining, err = s.getNotification(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return remaining, nil
}

func (s *SQL) RemoveRecipientEverywhere(ctx context.Context, identity string) (int, error) {
	defer observe("remove_recipient_everywhere", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ids, err := s.collectStrings(ctx, tx, s.q(`
		SELECT notification_id FROM notification_recipient WHERE identity = ?
	`), identity)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM notification_recipient WHERE identity = ?
	`), identity); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := s.deleteIfEmpty(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *SQL) deleteIfEmpty(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM notification
		WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM notification_recipient WHERE notification_id = ?
		)
	`), id, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// collectStrings reads a single text column and closes the rows before
// returning.
func (s *SQL) collectStrings(ctx context.Context, db queryer, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
