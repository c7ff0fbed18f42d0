// Package queue implements the durable DB-backed message queue.
//
// Rows move PENDING → IN_PROGRESS → COMPLETED/FAILED, or to EXPIRED when they
// overstay the expiration window. Claims are conditional updates, so a row is
// processed at most once even with concurrent workers.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/metrics"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

var (
	// ErrNotFound is returned when no queue row matches the id.
	ErrNotFound = errors.New("queue: message not found")
	// ErrNotClaimable is returned when a claim or transition loses the race.
	ErrNotClaimable = errors.New("queue: message not in a claimable state")
)

// Message is one queued message.
type Message struct {
	ID            string               `json:"message_id"`
	HostID        string               `json:"host_id,omitempty"` // empty until resolved
	Direction     protocol.Direction   `json:"direction"`
	Type          protocol.MessageType `json:"type"`
	Data          json.RawMessage      `json:"data"`
	Status        protocol.QueueStatus `json:"status"`
	Priority      protocol.Priority    `json:"priority"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
	ScheduledAt   time.Time            `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	CompletedAt   time.Time            `json:"completed_at,omitempty"`
	ExpiredAt     time.Time            `json:"expired_at,omitempty"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	ReplyTo       string               `json:"reply_to,omitempty"`
}

// Envelope decodes the stored data back into a protocol message.
func (m *Message) Envelope() (*protocol.Message, error) {
	return protocol.Parse(m.Data)
}

// Queue persists messages through the store's database.
type Queue struct {
	log zerolog.Logger
	st  *store.Store
}

// New creates a queue over the given store.
func New(st *store.Store, log zerolog.Logger) *Queue {
	return &Queue{
		log: log.With().Str("component", "queue").Logger(),
		st:  st,
	}
}

// Enqueue validates and persists a new PENDING message, returning its id.
// Missing id, priority, and timestamps are filled in. A second enqueue with
// the same id is a retransmission and is absorbed: the stored row wins and
// the original id comes back without an error.
func (q *Queue) Enqueue(msg *Message) (string, error) {
	if !msg.Direction.Valid() {
		return "", fmt.Errorf("queue: invalid direction %q", msg.Direction)
	}
	if msg.Type == "" {
		return "", errors.New("queue: missing message type")
	}
	if msg.Priority == "" {
		msg.Priority = protocol.PriorityNormal
	}
	if !msg.Priority.Valid() {
		return "", fmt.Errorf("queue: invalid priority %q", msg.Priority)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = 3
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if len(msg.Data) == 0 {
		msg.Data = json.RawMessage(`{}`)
	}
	msg.Status = protocol.StatusPending

	result, err := q.st.DB().Exec(q.st.Rebind(`
		INSERT INTO message_queue (message_id, host_id, direction, type, data,
			status, priority, retry_count, max_retries, scheduled_at, created_at,
			correlation_id, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`), msg.ID, nullString(msg.HostID), string(msg.Direction), string(msg.Type),
		string(msg.Data), string(msg.Status), string(msg.Priority),
		msg.RetryCount, msg.MaxRetries, nullTime(msg.ScheduledAt),
		msg.CreatedAt.UTC(), nullString(msg.CorrelationID), nullString(msg.ReplyTo))
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		q.log.Debug().Str("message_id", msg.ID).Msg("duplicate enqueue absorbed")
		return msg.ID, nil
	}

	metrics.MessagesEnqueued.WithLabelValues(string(msg.Direction)).Inc()
	q.log.Debug().
		Str("message_id", msg.ID).
		Str("direction", string(msg.Direction)).
		Str("type", string(msg.Type)).
		Str("priority", string(msg.Priority)).
		Msg("message enqueued")
	return msg.ID, nil
}

const messageColumns = `message_id, host_id, direction, type, data, status, priority,
	retry_count, max_retries, scheduled_at, created_at, started_at, completed_at,
	expired_at, error_message, correlation_id, reply_to`

// Get fetches one message by id.
func (q *Queue) Get(messageID string) (*Message, error) {
	row := q.st.DB().QueryRow(q.st.Rebind(`
		SELECT `+messageColumns+` FROM message_queue WHERE message_id = ?
	`), messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// DequeueForHost returns pending messages for one host in delivery order:
// priority class first (urgent down to low), then oldest first within a class.
// Expired and not-yet-scheduled rows are skipped. The rows stay PENDING; the
// caller claims each with MarkProcessing before acting on it.
func (q *Queue) DequeueForHost(hostID string, direction protocol.Direction, limit int) ([]*Message, error) {
	rows, err := q.st.DB().Query(q.st.Rebind(`
		SELECT `+messageColumns+`
		FROM message_queue
		WHERE host_id = ? AND direction = ? AND status = 'pending'
			AND expired_at IS NULL
			AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY
			CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
			created_at ASC
		LIMIT ?
	`), hostID, string(direction), time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue for host: %w", err)
	}
	return collectMessages(rows)
}

// DequeueUnassigned returns pending messages that carry no host id yet.
func (q *Queue) DequeueUnassigned(direction protocol.Direction, limit int) ([]*Message, error) {
	rows, err := q.st.DB().Query(q.st.Rebind(`
		SELECT `+messageColumns+`
		FROM message_queue
		WHERE host_id IS NULL AND direction = ? AND status = 'pending'
			AND expired_at IS NULL
			AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY
			CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
			created_at ASC
		LIMIT ?
	`), string(direction), time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue unassigned: %w", err)
	}
	return collectMessages(rows)
}

// HostsWithPending lists host ids that have pending messages in the given
// direction, ordered by their oldest pending message.
func (q *Queue) HostsWithPending(direction protocol.Direction) ([]string, error) {
	rows, err := q.st.DB().Query(q.st.Rebind(`
		SELECT host_id
		FROM message_queue
		WHERE host_id IS NOT NULL AND direction = ? AND status = 'pending' AND expired_at IS NULL
		GROUP BY host_id
		ORDER BY MIN(created_at) ASC
	`), string(direction))
	if err != nil {
		return nil, fmt.Errorf("hosts with pending: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var hostID string
		if err := rows.Scan(&hostID); err != nil {
			continue
		}
		hosts = append(hosts, hostID)
	}
	return hosts, rows.Err()
}

// MarkProcessing claims a pending message. Exactly one caller wins; the rest
// get ErrNotClaimable.
func (q *Queue) MarkProcessing(messageID string) error {
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'in_progress', started_at = ?
		WHERE message_id = ? AND status = 'pending'
	`), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return ErrNotClaimable
	}
	return nil
}

// MarkCompleted finishes an in-progress message.
func (q *Queue) MarkCompleted(messageID string) error {
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'completed', completed_at = ?
		WHERE message_id = ? AND status = 'in_progress'
	`), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return ErrNotClaimable
	}
	metrics.MessagesProcessed.WithLabelValues("completed").Inc()
	return nil
}

// MarkFailed fails a pending or in-progress message with a reason.
func (q *Queue) MarkFailed(messageID, reason string) error {
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'failed', completed_at = ?, error_message = ?
		WHERE message_id = ? AND status IN ('pending', 'in_progress')
	`), time.Now().UTC(), nullString(reason), messageID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return ErrNotClaimable
	}
	metrics.MessagesProcessed.WithLabelValues("failed").Inc()
	q.log.Warn().Str("message_id", messageID).Str("reason", reason).Msg("message failed")
	return nil
}

// ReturnToPending releases one claimed message back to PENDING without
// burning a retry, clearing started_at. Used when the agent's session dies
// mid-delivery; the message waits for the next reconnect.
func (q *Queue) ReturnToPending(messageID string) error {
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'pending', started_at = NULL
		WHERE message_id = ? AND status = 'in_progress'
	`), messageID)
	if err != nil {
		return fmt.Errorf("return to pending: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return ErrNotClaimable
	}
	return nil
}

// AssignHost binds a previously unresolved message to a host.
func (q *Queue) AssignHost(messageID, hostID string) error {
	_, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue SET host_id = ? WHERE message_id = ?
	`), hostID, messageID)
	if err != nil {
		return fmt.Errorf("assign host: %w", err)
	}
	return nil
}

// Requeue returns a failed or expired message to PENDING for another attempt,
// bumping its retry count. Delivery is at most once per attempt; retries are
// always explicit.
func (q *Queue) Requeue(messageID string) error {
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'pending', started_at = NULL, completed_at = NULL,
			expired_at = NULL, error_message = NULL, retry_count = retry_count + 1
		WHERE message_id = ? AND status IN ('failed', 'expired') AND retry_count < max_retries
	`), messageID)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		return ErrNotClaimable
	}
	return nil
}

// ResetStuck returns IN_PROGRESS rows older than the threshold to PENDING,
// clearing started_at. Covers workers that died mid-claim.
func (q *Queue) ResetStuck(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'pending', started_at = NULL
		WHERE status = 'in_progress' AND started_at < ?
	`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		metrics.MessagesReset.Add(float64(rows))
		q.log.Info().Int64("reset", rows).Msg("returned stuck messages to pending")
	}
	return rows, nil
}

// ExpireOverdue marks PENDING and IN_PROGRESS rows older than maxAge as
// EXPIRED. Expired rows are never delivered.
func (q *Queue) ExpireOverdue(maxAge time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-maxAge)
	result, err := q.st.DB().Exec(q.st.Rebind(`
		UPDATE message_queue
		SET status = 'expired', expired_at = ?
		WHERE status IN ('pending', 'in_progress') AND created_at < ?
	`), now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		metrics.MessagesExpired.Add(float64(rows))
		metrics.MessagesProcessed.WithLabelValues("expired").Add(float64(rows))
		q.log.Info().Int64("expired", rows).Msg("expired overdue messages")
	}
	return rows, nil
}

// DeleteForHost drops every queued message for a host. Used when a host is
// removed or its approval is revoked.
func (q *Queue) DeleteForHost(hostID string) (int64, error) {
	result, err := q.st.DB().Exec(q.st.Rebind(`
		DELETE FROM message_queue WHERE host_id = ?
	`), hostID)
	if err != nil {
		return 0, fmt.Errorf("delete for host: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.log.Info().Str("host_id", hostID).Int64("deleted", rows).Msg("dropped queued messages for host")
	}
	return rows, nil
}

// DeleteFailed removes the named rows, but only those already failed or
// expired. Live rows in the same list are left untouched.
func (q *Queue) DeleteFailed(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := q.st.DB().Exec(q.st.Rebind(`
		DELETE FROM message_queue
		WHERE message_id IN (`+placeholders+`) AND status IN ('failed', 'expired')
	`), args...)
	if err != nil {
		return 0, fmt.Errorf("delete failed messages: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.log.Info().Int64("deleted", rows).Msg("deleted failed messages")
	}
	return rows, nil
}

// CleanupOld removes terminal rows older than the retention window. Failed
// rows are kept when keepFailed is set, for postmortems.
func (q *Queue) CleanupOld(retention time.Duration, keepFailed bool) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	statuses := `('completed', 'failed', 'expired')`
	if keepFailed {
		statuses = `('completed', 'expired')`
	}
	result, err := q.st.DB().Exec(q.st.Rebind(`
		DELETE FROM message_queue
		WHERE created_at < ? AND status IN `+statuses+`
	`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.log.Info().Int64("deleted", rows).Msg("cleaned up old messages")
	}
	return rows, nil
}

// Stats holds per-status row counts.
type Stats struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Expired    int64 `json:"expired"`
}

// Stats counts rows per status and refreshes the queue depth gauges.
func (q *Queue) Stats() (*Stats, error) {
	rows, err := q.st.DB().Query(`
		SELECT status, COUNT(*) FROM message_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		switch protocol.QueueStatus(status) {
		case protocol.StatusPending:
			stats.Pending = count
		case protocol.StatusInProgress:
			stats.InProgress = count
		case protocol.StatusCompleted:
			stats.Completed = count
		case protocol.StatusFailed:
			stats.Failed = count
		case protocol.StatusExpired:
			stats.Expired = count
		}
		metrics.QueueDepth.WithLabelValues(status).Set(float64(count))
	}
	return &stats, rows.Err()
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var hostID, errMsg, corrID, replyTo sql.NullString
	var direction, msgType, status, priority, data string
	var scheduledAt, startedAt, completedAt, expiredAt sql.NullTime

	err := row.Scan(&m.ID, &hostID, &direction, &msgType, &data, &status, &priority,
		&m.RetryCount, &m.MaxRetries, &scheduledAt, &m.CreatedAt, &startedAt,
		&completedAt, &expiredAt, &errMsg, &corrID, &replyTo)
	if err != nil {
		return nil, err
	}

	m.HostID = hostID.String
	m.Direction = protocol.Direction(direction)
	m.Type = protocol.MessageType(msgType)
	m.Data = json.RawMessage(data)
	m.Status = protocol.QueueStatus(status)
	m.Priority = protocol.Priority(priority)
	m.ErrorMessage = errMsg.String
	m.CorrelationID = corrID.String
	m.ReplyTo = replyTo.String
	if scheduledAt.Valid {
		m.ScheduledAt = scheduledAt.Time
	}
	if startedAt.Valid {
		m.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		m.CompletedAt = completedAt.Time
	}
	if expiredAt.Valid {
		m.ExpiredAt = expiredAt.Time
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
