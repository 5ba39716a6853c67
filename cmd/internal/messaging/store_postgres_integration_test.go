package messaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.
// Plain "go test ./..." stays fast and needs no Postgres.

func TestPostgresStore_PagingAndReadState(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)
	mustSeedParties(t, pool, schema)

	svc, err := NewService(Deps{Store: store, Log: discardLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, err := svc.Conversations.Create(ctx, testOrderID, testStoreID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.CustomerUserID != userCustomer || conv.StoreUserID != userStore {
		t.Fatalf("participants = %+v", conv)
	}

	// Identical timestamps: seq alone must order the history.
	at := time.Now().UTC().Truncate(time.Millisecond)
	svc.Messages.now = func() time.Time { return at }
	for i := 0; i < 5; i++ {
		if _, err := svc.Send(ctx, Caller{UserID: userCustomer}, conv.ID, SendInput{Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var got []string
	for page := 3; page >= 1; page-- {
		p, err := svc.Messages.FetchPage(ctx, conv.ID, page, 2, MessageFilter{})
		if err != nil {
			t.Fatalf("fetch page %d: %v", page, err)
		}
		if p.TotalCount != 5 {
			t.Fatalf("page %d total = %d", page, p.TotalCount)
		}
		for _, m := range p.Messages {
			got = append(got, m.Content)
		}
	}
	if strings.Join(got, ",") != "m0,m1,m2,m3,m4" {
		t.Fatalf("history = %v", got)
	}

	n, err := svc.Reads.MarkRead(ctx, conv.ID, userStore)
	if err != nil || n != 5 {
		t.Fatalf("mark read = (%d, %v), want (5, nil)", n, err)
	}
	n, err = svc.Reads.MarkRead(ctx, conv.ID, userStore)
	if err != nil || n != 0 {
		t.Fatalf("second mark read = (%d, %v), want (0, nil)", n, err)
	}

	stats := svc.Stats.Compute(ctx, StoreScope(testStoreID), conv.ID, userStore)
	if stats.TotalConversations != 1 || stats.Active != 1 || stats.TotalMessages != 5 || stats.UnreadMessages != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPostgresStore_ConversationUpdatesAndAttachments(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)
	mustSeedParties(t, pool, schema)

	files := NewMemoryStorage("")
	svc, err := NewService(Deps{Store: store, Files: files, Log: discardLogger()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, err := svc.Conversations.Create(ctx, testOrderID, testStoreID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	res, err := svc.Send(ctx, Caller{UserID: userAdmin}, conv.ID, SendInput{
		Content:     "label attached",
		Attachments: []FileUpload{{FileName: "label.txt", Data: []byte("ship to")}},
	})
	if err != nil {
		t.Fatalf("admin send: %v", err)
	}
	if res.Message.SenderType != SenderAdmin || len(res.Attachments) != 1 {
		t.Fatalf("send result = %+v", res)
	}

	page, err := svc.Messages.FetchPage(ctx, conv.ID, 1, 10, MessageFilter{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Messages) != 1 || len(page.Messages[0].Attachments) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Messages[0].Attachments[0].Checksum != res.Attachments[0].Checksum {
		t.Fatalf("checksum not persisted")
	}

	updated, err := svc.Conversations.EnableAdminIntervention(ctx, conv.ID, userAdmin)
	if err != nil || !updated.AdminIntervention || updated.AdminID == nil || *updated.AdminID != userAdmin {
		t.Fatalf("escalate = %+v, %v", updated, err)
	}
	updated, err = svc.Conversations.Close(ctx, conv.ID)
	if err != nil || updated.Status != StatusClosed || !updated.AdminIntervention {
		t.Fatalf("close = %+v, %v", updated, err)
	}

	if _, err := svc.Send(ctx, Caller{UserID: userCustomer}, conv.ID, SendInput{Content: "late"}); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("send to closed err = %v", err)
	}
}

func TestPostgresStore_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A schema that was never migrated.
	missing, err := NewPostgresStore(pool, WithSchema("parley_missing_"+randomSuffix()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := missing.ListStoreOrderIDs(ctx, testStoreID); !errors.Is(err, ErrSchemaMissing) {
		t.Fatalf("missing schema err = %v, want ErrSchemaMissing", err)
	}

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	store := mustNewStore(t, pool, schema)

	if _, err := store.GetConversation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}
	_, err = store.InsertMessage(ctx, Message{
		ID:             "m-orphan",
		ConversationID: "no-such-conversation",
		SenderID:       userCustomer,
		SenderType:     SenderCustomer,
		MessageType:    MessageText,
		Content:        "x",
		CreatedAt:      time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphan message err = %v, want ErrNotFound", err)
	}

	if _, err := NewPostgresStore(pool, WithSchema("bad schema;")); err == nil {
		t.Fatalf("expected invalid schema name to be rejected")
	}
}

func TestPostgresFeed_RoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	channel := "parley_it_" + randomSuffix()
	feed, err := NewPostgresFeed(pool, channel, discardLogger())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	defer feed.Close()

	select {
	case <-feed.Ready():
	case <-time.After(10 * time.Second):
		t.Fatalf("feed not ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan Event, 1)
	unsub, err := feed.Subscribe(ctx, MessagesTopic("c-it"), func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := feed.Publish(ctx, Event{Topic: MessagesTopic("c-it"), Table: "messages", Kind: EventInsert, RecordID: "m1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.RecordID != "m1" || ev.Kind != EventInsert {
			t.Fatalf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("event not delivered")
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "parley_it_" + randomSuffix()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

// mustSeedParties inserts the store, customer, order and admin grant shared by the integration tests.
func mustSeedParties(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO ` + pgIdent(schema, "stores") + ` (id, owner_user_id) VALUES ($1, $2)`, []any{testStoreID, userStore}},
		{`INSERT INTO ` + pgIdent(schema, "customers") + ` (id, user_id) VALUES ($1, $2)`, []any{testCustomerID, userCustomer}},
		{`INSERT INTO ` + pgIdent(schema, "orders") + ` (id, store_id, customer_id) VALUES ($1, $2, $3)`, []any{testOrderID, testStoreID, testCustomerID}},
		{`INSERT INTO ` + pgIdent(schema, "user_roles") + ` (user_id, role) VALUES ($1, $2)`, []any{userAdmin, roleAdmin}},
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s.sql, s.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}
