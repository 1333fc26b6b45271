package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation = "23505"
	seqConstraint   = "messages_conversation_seq_key"
)

// Postgres is a Store backed by PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// violatedConstraint returns the constraint name of a unique violation.
func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func (p *Postgres) CreateConversation(ctx context.Context, conv *model.Conversation, members []model.Member) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, kind, name, last_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.Kind, conv.Name, conv.LastSeq, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO conversation_members (conversation_id, user_id, role, joined_at, last_read_seq, muted)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ConversationID, m.UserID, m.Role, m.JoinedAt, m.LastReadSeq, m.Muted,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert members: %w", err)
	}
	return tx.Commit(ctx)
}

const conversationColumns = `c.id, c.kind, c.name, c.last_seq, c.created_at, c.updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := scanConversation(p.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.updated_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

const memberColumns = `conversation_id, user_id, role, joined_at, last_read_message_id, last_read_seq, muted`

func scanMember(row pgx.Row) (*model.Member, error) {
	var m model.Member
	if err := row.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt,
		&m.LastReadMessageID, &m.LastReadSeq, &m.Muted); err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) GetMember(ctx context.Context, conversationID, userID string) (*model.Member, error) {
	m, err := scanMember(p.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("member", conversationID+"/"+userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func (p *Postgres) ListMembers(ctx context.Context, conversationID string) ([]model.Member, error) {
	if _, err := p.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

const messageColumns = `id, conversation_id, sender_id, type, content, reply_to, client_msg_id,
	created_at, seq, edited_at, status, stream_id, chunk_index, is_end`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m       model.Message
		content []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &content, &m.ReplyTo,
		&m.ClientMsgID, &m.CreatedAt, &m.Seq, &m.EditedAt, &m.Status, &m.StreamID,
		&m.ChunkIndex, &m.IsEnd); err != nil {
		return nil, err
	}
	m.Content = content
	return &m, nil
}

func (p *Postgres) InsertMessage(ctx context.Context, msg *model.Message) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Type, []byte(msg.Content), msg.ReplyTo,
		msg.ClientMsgID, msg.CreatedAt, msg.Seq, msg.EditedAt, msg.Status, msg.StreamID,
		msg.ChunkIndex, msg.IsEnd,
	)
	if isUniqueViolation(err) {
		if violatedConstraint(err) == seqConstraint {
			return ErrDuplicateSeq
		}
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET last_seq = GREATEST(last_seq, COALESCE($2, last_seq)), updated_at = $3
		WHERE id = $1`,
		msg.ConversationID, msg.Seq, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to advance conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("conversation", msg.ConversationID)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) getMessage(ctx context.Context, query string, args ...any) (*model.Message, error) {
	m, err := scanMessage(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := p.getMessage(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, notFound("message", id)
	}
	return m, err
}

func (p *Postgres) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (*model.Message, error) {
	m, err := p.getMessage(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
		conversationID, senderID, clientMsgID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, notFound("client message", clientMsgID)
	}
	return m, err
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]model.Message, error) {
	var (
		where = []string{"conversation_id = $1"}
		args  = []any{conversationID}
	)
	if q.BeforeID != "" {
		anchor, err := p.GetMessage(ctx, q.BeforeID)
		if err != nil {
			return nil, err
		}
		if anchor.ConversationID != conversationID {
			return nil, notFound("message", q.BeforeID)
		}
		args = append(args, anchor.CreatedAt)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if q.AfterSeq != nil {
		args = append(args, *q.AfterSeq)
		where = append(where, fmt.Sprintf("seq IS NOT NULL AND seq > $%d", len(args)))
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY seq ASC NULLS LAST, created_at ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *Postgres) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	m, err := p.getMessage(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT 1`, conversationID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, notFound("last message", conversationID)
	}
	return m, err
}

func (p *Postgres) AdvanceMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE messages SET status = $2
		WHERE id = $1
		  AND (CASE status WHEN 'read' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END) < $3`,
		messageID, status, status.Rank(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance message status: %w", err)
	}
	return nil
}

func (p *Postgres) MarkReceipt(ctx context.Context, r model.Receipt, read bool, now time.Time) (*model.Receipt, error) {
	var readAt *time.Time
	if read {
		readAt = &now
	}
	var out model.Receipt
	err := p.pool.QueryRow(ctx, `
		INSERT INTO message_receipts (id, message_id, conversation_id, user_id, delivered_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, user_id) DO UPDATE SET
			delivered_at = COALESCE(message_receipts.delivered_at, EXCLUDED.delivered_at),
			read_at      = COALESCE(message_receipts.read_at, EXCLUDED.read_at)
		RETURNING id, message_id, conversation_id, user_id, delivered_at, read_at`,
		uuid.Must(uuid.NewV7()).String(), r.MessageID, r.ConversationID, r.UserID, now, readAt,
	).Scan(&out.ID, &out.MessageID, &out.ConversationID, &out.UserID, &out.DeliveredAt, &out.ReadAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert receipt: %w", err)
	}
	return &out, nil
}

func (p *Postgres) ListReceipts(ctx context.Context, conversationID, messageID string) ([]model.Receipt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, message_id, conversation_id, user_id, delivered_at, read_at
		FROM message_receipts
		WHERE conversation_id = $1 AND message_id = $2
		ORDER BY user_id`,
		conversationID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	out := []model.Receipt{}
	for rows.Next() {
		var r model.Receipt
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ConversationID, &r.UserID, &r.DeliveredAt, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID string, seq int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE conversation_members
		SET last_read_message_id = $3, last_read_seq = $4
		WHERE conversation_id = $1 AND user_id = $2 AND last_read_seq < $4`,
		conversationID, userID, messageID, seq)
	if err != nil {
		return false, fmt.Errorf("failed to advance read cursor: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const callColumns = `id, conversation_id, initiator_id, status, start_time, answer_time, end_time, duration_sec`

func scanCall(row pgx.Row) (*model.Call, error) {
	var c model.Call
	if err := row.Scan(&c.ID, &c.ConversationID, &c.InitiatorID, &c.Status,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.DurationSec); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) CreateCall(ctx context.Context, call *model.Call, initiator model.Participant) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO call_logs (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		call.ID, call.ConversationID, call.InitiatorID, call.Status,
		call.StartTime, call.AnswerTime, call.EndTime, call.DurationSec,
	)
	if isUniqueViolation(err) {
		return model.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO call_participants (call_id, user_id, join_time) VALUES ($1, $2, $3)`,
		initiator.CallID, initiator.UserID, initiator.JoinTime)
	if err != nil {
		return fmt.Errorf("failed to insert initiator: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetCall(ctx context.Context, id string) (*model.Call, error) {
	c, err := scanCall(p.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("call", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return c, nil
}

func (p *Postgres) ActiveCall(ctx context.Context, conversationID string) (*model.Call, error) {
	c, err := scanCall(p.pool.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE conversation_id = $1 AND status IN ('initiated', 'ringing', 'answered')`,
		conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("active call", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active call: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListCalls(ctx context.Context, conversationID string, limit, offset int) ([]model.Call, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+callColumns+` FROM call_logs
		WHERE conversation_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	out := []model.Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCall(ctx context.Context, call *model.Call) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE call_logs
		SET status = $2, answer_time = $3, end_time = $4, duration_sec = $5
		WHERE id = $1`,
		call.ID, call.Status, call.AnswerTime, call.EndTime, call.DurationSec)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("call", call.ID)
	}
	return nil
}

func (p *Postgres) AddParticipant(ctx context.Context, pt model.Participant) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO call_participants (call_id, user_id, join_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id, user_id) WHERE leave_time IS NULL DO NOTHING`,
		pt.CallID, pt.UserID, pt.JoinTime)
	if err != nil {
		return false, fmt.Errorf("failed to add participant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) LeaveParticipant(ctx context.Context, callID, userID string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE call_participants SET leave_time = $3
		WHERE call_id = $1 AND user_id = $2 AND leave_time IS NULL`,
		callID, userID, at)
	if err != nil {
		return false, fmt.Errorf("failed to leave call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) CloseParticipants(ctx context.Context, callID string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE call_participants SET leave_time = $2
		WHERE call_id = $1 AND leave_time IS NULL`,
		callID, at)
	if err != nil {
		return fmt.Errorf("failed to close participants: %w", err)
	}
	return nil
}

func (p *Postgres) ActiveParticipants(ctx context.Context, callID string) ([]model.Participant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT call_id, user_id, join_time, leave_time FROM call_participants
		WHERE call_id = $1 AND leave_time IS NULL
		ORDER BY join_time`,
		callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	out := []model.Participant{}
	for rows.Next() {
		var pt model.Participant
		if err := rows.Scan(&pt.CallID, &pt.UserID, &pt.JoinTime, &pt.LeaveTime); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}
