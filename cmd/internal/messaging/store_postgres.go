package messaging

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "parley"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Errors are classified by SQLSTATE: insufficient privilege and undefined table map to the non-critical
// kinds, foreign-key violations to ErrNotFound, and connection failures to ErrNetwork.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the schema the store queries.
func (s *PostgresStore) Schema() string { return s.schema }

// Migrate applies the embedded DDL to the store's schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return classify("store.Migrate", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "store.GetOrder"
	var o Order
	err := s.pool.QueryRow(ctx,
		`SELECT id, store_id, customer_id FROM `+s.table("orders")+` WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.StoreID, &o.CustomerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, NotFoundError{Op: op, Resource: "order", ID: orderID}
	}
	if err != nil {
		return Order{}, classify(op, err)
	}
	return o, nil
}

func (s *PostgresStore) GetStore(ctx context.Context, storeID string) (StoreRecord, error) {
	const op = "store.GetStore"
	var st StoreRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_user_id FROM `+s.table("stores")+` WHERE id = $1`,
		storeID,
	).Scan(&st.ID, &st.OwnerUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoreRecord{}, NotFoundError{Op: op, Resource: "store", ID: storeID}
	}
	if err != nil {
		return StoreRecord{}, classify(op, err)
	}
	return st, nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	const op = "store.GetCustomer"
	var c Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(user_id, '') FROM `+s.table("customers")+` WHERE id = $1`,
		customerID,
	).Scan(&c.ID, &c.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, NotFoundError{Op: op, Resource: "customer", ID: customerID}
	}
	if err != nil {
		return Customer{}, classify(op, err)
	}
	return c, nil
}

func (s *PostgresStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("user_roles")+` WHERE user_id = $1 AND role = $2)`,
		userID, role,
	).Scan(&ok)
	if err != nil {
		return false, classify("store.HasRole", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListStoreOrderIDs(ctx context.Context, storeID string) ([]string, error) {
	const op = "store.ListStoreOrderIDs"
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM `+s.table("orders")+` WHERE store_id = $1 ORDER BY id`,
		storeID,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

const conversationCols = `id, order_id, store_id, customer_id, customer_user_id, store_user_id, admin_id,
	status, admin_intervention, last_message_at, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		status string
	)
	err := row.Scan(
		&c.ID, &c.OrderID, &c.StoreID, &c.CustomerID, &c.CustomerUserID, &c.StoreUserID, &c.AdminID,
		&status, &c.AdminIntervention, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	)
	c.Status = ConversationStatus(status)
	return c, err
}

// conversationWhere renders the shared WHERE clause of list and count queries.
func conversationWhere(q ConversationQuery) (string, []any) {
	var (
		b    strings.Builder
		args = []any{q.OrderIDs}
	)
	b.WriteString(`WHERE order_id = ANY($1)`)
	if q.Filter.Status != "" {
		args = append(args, string(q.Filter.Status))
		b.WriteString(` AND status = $` + strconv.Itoa(len(args)))
	}
	if q.Filter.AdminIntervention != nil {
		args = append(args, *q.Filter.AdminIntervention)
		b.WriteString(` AND admin_intervention = $` + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

func (s *PostgresStore) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	const op = "store.ListConversations"
	if len(q.OrderIDs) == 0 {
		return []Conversation{}, nil
	}

	where, args := conversationWhere(q)
	sql := `SELECT ` + conversationCols + ` FROM ` + s.table(tableConversations) + ` ` + where +
		` ORDER BY last_message_at DESC, id DESC`
	if q.Filter.Limit > 0 {
		args = append(args, q.Filter.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *PostgresStore) CountConversations(ctx context.Context, q ConversationQuery) (int, error) {
	if len(q.OrderIDs) == 0 {
		return 0, nil
	}
	where, args := conversationWhere(q)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table(tableConversations)+` `+where, args...).Scan(&n)
	if err != nil {
		return 0, classify("store.CountConversations", err)
	}
	return n, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "store.GetConversation"
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+s.table(tableConversations)+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation", ID: id}
	}
	if err != nil {
		return Conversation{}, classify(op, err)
	}
	return c, nil
}

func (s *PostgresStore) InsertConversation(ctx context.Context, c Conversation) (Conversation, error) {
	const op = "store.InsertConversation"
	out, err := scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table(tableConversations)+` (
		     id, order_id, store_id, customer_id, customer_user_id, store_user_id, admin_id,
		     status, admin_intervention, last_message_at, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+conversationCols,
		c.ID, c.OrderID, c.StoreID, c.CustomerID, c.CustomerUserID, c.StoreUserID, c.AdminID,
		string(c.Status), c.AdminIntervention, c.LastMessageAt, c.CreatedAt, c.UpdatedAt,
	))
	if err != nil {
		return Conversation{}, classify(op, err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, p ConversationPatch) (Conversation, error) {
	const op = "store.UpdateConversation"

	var (
		sets = []string{"updated_at = now()"}
		args = []any{id}
	)
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}
	if p.Status != nil {
		add("status = ?", string(*p.Status))
	}
	if p.AdminIntervention != nil {
		add("admin_intervention = ?", *p.AdminIntervention)
	}
	switch {
	case p.ClearAdminID:
		sets = append(sets, "admin_id = NULL")
	case p.AdminID != nil:
		add("admin_id = ?", *p.AdminID)
	}
	if p.LastMessageAt != nil {
		add("last_message_at = GREATEST(last_message_at, ?)", *p.LastMessageAt)
	}

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE `+s.table(tableConversations)+` SET `+strings.Join(sets, ", ")+
			` WHERE id = $1 RETURNING `+conversationCols,
		args...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation", ID: id}
	}
	if err != nil {
		return Conversation{}, classify(op, err)
	}
	return c, nil
}

// messageWhere renders the shared WHERE clause of message list and count queries.
func messageWhere(conversationID string, f MessageFilter) (string, []any) {
	var (
		b    strings.Builder
		args = []any{conversationID}
	)
	b.WriteString(`WHERE conversation_id = $1`)
	if f.MessageType != "" {
		args = append(args, string(f.MessageType))
		b.WriteString(` AND message_type = $` + strconv.Itoa(len(args)))
	}
	if f.UnreadOnly {
		b.WriteString(` AND NOT is_read`)
	}
	if f.ExcludeSender != "" {
		args = append(args, f.ExcludeSender)
		b.WriteString(` AND sender_id <> $` + strconv.Itoa(len(args)))
	}
	if f.Search != "" {
		args = append(args, strings.ToLower(f.Search))
		b.WriteString(` AND strpos(lower(content), $` + strconv.Itoa(len(args)) + `) > 0`)
	}
	return b.String(), args
}

func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string, f MessageFilter) (int, error) {
	where, args := messageWhere(conversationID, f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table(tableMessages)+` `+where, args...).Scan(&n); err != nil {
		return 0, classify("store.CountMessages", err)
	}
	return n, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, f MessageFilter, offset, limit int) ([]Message, error) {
	const op = "store.ListMessages"
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	where, args := messageWhere(conversationID, f)
	args = append(args, offset, limit)
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, seq, sender_id, sender_type, content, message_type, is_read, read_at, created_at
		   FROM `+s.table(tableMessages)+` `+where+`
		  ORDER BY created_at DESC, seq DESC
		 OFFSET $`+strconv.Itoa(len(args)-1)+` LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var (
		out   []Message
		ids   []string
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			m                   Message
			senderType, msgType string
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &senderType, &m.Content, &msgType,
			&m.IsRead, &m.ReadAt, &m.CreatedAt,
		); err != nil {
			return nil, classify(op, err)
		}
		m.SenderType = SenderType(senderType)
		m.MessageType = MessageType(msgType)
		index[m.ID] = len(out)
		ids = append(ids, m.ID)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	rows.Close()

	if len(ids) == 0 {
		return out, nil
	}

	atts, err := s.attachmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		i := index[a.MessageID]
		out[i].Attachments = append(out[i].Attachments, a)
	}
	return out, nil
}

func (s *PostgresStore) attachmentsFor(ctx context.Context, messageIDs []string) ([]Attachment, error) {
	const op = "store.attachmentsFor"
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, file_name, file_type, file_size, file_url, storage_path, checksum, created_at
		   FROM `+s.table(tableAttachments)+`
		  WHERE message_id = ANY($1)
		  ORDER BY created_at, id`,
		messageIDs,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attachment, error) {
		var a Attachment
		err := row.Scan(&a.ID, &a.MessageID, &a.FileName, &a.FileType, &a.FileSize, &a.FileURL, &a.StoragePath, &a.Checksum, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const op = "store.InsertMessage"
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table(tableMessages)+` (
		     id, conversation_id, sender_id, sender_type, content, message_type, is_read, read_at, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		m.ID, m.ConversationID, m.SenderID, string(m.SenderType), m.Content, string(m.MessageType), m.IsRead, m.ReadAt, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		err = classify(op, err)
		if IsNotFound(err) {
			return Message{}, NotFoundError{Op: op, Resource: "conversation", ID: m.ConversationID}
		}
		return Message{}, err
	}
	m.Attachments = nil
	return m, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table(tableMessages)+`
		    SET is_read = true, read_at = $3
		  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
		conversationID, readerID, at,
	)
	if err != nil {
		return 0, classify("store.MarkMessagesRead", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	const op = "store.InsertAttachment"
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table(tableAttachments)+` (
		     id, message_id, file_name, file_type, file_size, file_url, storage_path, checksum, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.MessageID, a.FileName, a.FileType, a.FileSize, a.FileURL, a.StoragePath, a.Checksum, a.CreatedAt,
	)
	if err != nil {
		err = classify(op, err)
		if IsNotFound(err) {
			return Attachment{}, NotFoundError{Op: op, Resource: "message", ID: a.MessageID}
		}
		return Attachment{}, err
	}
	return a, nil
}

// InsertNotification persists an in-app notification. Redelivery of the same id is a no-op.
func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("notifications")+` (
		     id, recipient_id, type, title, body, conversation_id, order_id, message_id, sender_type, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Body, n.ConversationID, n.OrderID, n.MessageID, string(n.SenderType), n.CreatedAt,
	)
	if err != nil {
		return classify("store.InsertNotification", err)
	}
	return nil
}

// classify maps driver errors onto the engine's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501":
			return OpError{Op: op, Kind: ErrPermissionDenied, Err: err}
		case "42P01", "3F000":
			return OpError{Op: op, Kind: ErrSchemaMissing, Err: err}
		case "23503":
			return OpError{Op: op, Kind: ErrNotFound, Err: err}
		case "22P02", "23514", "23505":
			return OpError{Op: op, Kind: ErrInvalidInput, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return OpError{Op: op, Kind: ErrNetwork, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
