package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is a stored conversation message.
type Message struct {
	ID             string
	ConversationID string
	TempID         string
	SenderID       string
	Content        string
	SentAt         time.Time
	Media          []Media
}

// Media is an attachment of a stored message.
type Media struct {
	ID   string
	URL  string
	Kind string
}

// InsertMessage stores m unless a message with the same conversation and
// temp id exists, in which case m is overwritten with the stored copy and
// created is false.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (created bool, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, temp_id, sender_id, content, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, temp_id) DO NOTHING`,
		m.ID, m.ConversationID, m.TempID, m.SenderID, m.Content, m.SentAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n == 0 {
		existing, err := messageByTempID(ctx, tx, m.ConversationID, m.TempID)
		if err != nil {
			return false, err
		}
		*m = *existing
		return false, tx.Commit()
	}

	for i, md := range m.Media {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_media (id, message_id, position, url, kind)
			VALUES (?, ?, ?, ?, ?)`, md.ID, m.ID, i, md.URL, md.Kind); err != nil {
			return false, fmt.Errorf("insert media: %w", err)
		}
	}
	return true, tx.Commit()
}

// ListMessages returns the newest messages of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, temp_id, sender_id, content, sent_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY sent_at, id`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range msgs {
		media, err := loadMedia(ctx, db.DB, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Media = media
	}
	return msgs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func messageByTempID(ctx context.Context, q querier, conversationID, tempID string) (*Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, conversation_id, temp_id, sender_id, content, sent_at
		FROM messages
		WHERE conversation_id = ? AND temp_id = ?`, conversationID, tempID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Media, err = loadMedia(ctx, q, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func loadMedia(ctx context.Context, q querier, messageID string) ([]Media, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, url, kind FROM message_media
		WHERE message_id = ?
		ORDER BY position`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Media
	for rows.Next() {
		var md Media
		if err := rows.Scan(&md.ID, &md.URL, &md.Kind); err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m      Message
		sentAt int64
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.TempID, &m.SenderID, &m.Content, &sentAt); err != nil {
		return nil, err
	}
	m.SentAt = time.UnixMilli(sentAt).UTC()
	return &m, nil
}
