package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// nameFailStorage fails uploads of one file name.
type nameFailStorage struct {
	*MemoryStorage
	failName string
}

func (s nameFailStorage) Upload(ctx context.Context, folder string, f FileUpload) (StoredFile, error) {
	if f.FileName == s.failName {
		return StoredFile{}, errors.New("storage unavailable")
	}
	return s.MemoryStorage.Upload(ctx, folder, f)
}

func TestMessageStore_PagesPreserveTotalOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	// Seven messages, with created_at ties broken by insertion.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamps := []int{0, 1, 1, 1, 2, 3, 3}
	for i, s := range stamps {
		_, err := f.store.InsertMessage(ctx, Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: c.ID,
			SenderID:       userCustomer,
			SenderType:     SenderCustomer,
			Content:        fmt.Sprintf("msg %d", i),
			MessageType:    MessageText,
			CreatedAt:      base.Add(time.Duration(s) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	first, err := f.svc.Messages.FetchPage(ctx, c.ID, 1, 3, MessageFilter{})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if first.TotalCount != 7 {
		t.Fatalf("total = %d, want 7", first.TotalCount)
	}
	if ids := messageIDs(first.Messages); strings.Join(ids, ",") != "m4,m5,m6" {
		t.Fatalf("page 1 = %v, want newest three ascending", ids)
	}

	p := NewPager(3)
	p.Apply(p.Reset(), 1, first, true)
	for p.HasMore() {
		page, gen, ok := p.BeginMore()
		if !ok {
			t.Fatalf("BeginMore refused with HasMore=true")
		}
		res, err := f.svc.Messages.FetchPage(ctx, c.ID, page, 3, MessageFilter{})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		p.Apply(gen, page, res, false)
	}

	got := messageIDs(p.Messages())
	if strings.Join(got, ",") != "m0,m1,m2,m3,m4,m5,m6" {
		t.Fatalf("assembled history = %v", got)
	}
}

func TestMessageStore_FetchPageValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		conv string
		page int
		f    MessageFilter
	}{
		{"blank conversation", "", 1, MessageFilter{}},
		{"page zero", "c", 0, MessageFilter{}},
		{"bad type", "c", 1, MessageFilter{MessageType: "video"}},
	}
	for _, tc := range cases {
		if _, err := f.svc.Messages.FetchPage(ctx, tc.conv, tc.page, 10, tc.f); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: err = %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestMessageStore_SendThenRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	res := mustSend(t, f, c.ID, userStore, "hi")
	if res.Message.SenderType != SenderStore {
		t.Fatalf("sender_type = %q, want store", res.Message.SenderType)
	}

	page, err := f.svc.Messages.FetchPage(ctx, c.ID, 1, DefaultPageSize, MessageFilter{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	found := false
	for _, m := range page.Messages {
		if m.Content == "hi" && m.SenderType == SenderStore {
			found = true
		}
	}
	if !found {
		t.Fatalf("sent message not in page 1: %+v", page.Messages)
	}
}

func TestMessageStore_CustomerSendScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	sendAt := c.LastMessageAt.Add(time.Minute)
	f.svc.Messages.now = stepClock(sendAt, 0)

	res := mustSend(t, f, c.ID, userCustomer, "Hello")
	msg := res.Message
	if msg.SenderType != SenderCustomer {
		t.Fatalf("sender_type = %q, want customer", msg.SenderType)
	}
	if msg.IsRead {
		t.Fatalf("new message already read")
	}

	conv, err := f.svc.Conversations.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !conv.LastMessageAt.Equal(sendAt) {
		t.Fatalf("last_message_at = %v, want %v", conv.LastMessageAt, sendAt)
	}

	// The sender's own read pass must not mark the customer's message read.
	page, _ := f.svc.Messages.FetchPage(ctx, c.ID, 1, 10, MessageFilter{})
	if len(page.Messages) != 1 || page.Messages[0].IsRead {
		t.Fatalf("after send: %+v", page.Messages)
	}

	n, err := f.svc.Reads.MarkRead(ctx, c.ID, userStore)
	if err != nil || n != 1 {
		t.Fatalf("store MarkRead = (%d, %v), want (1, nil)", n, err)
	}
	page, _ = f.svc.Messages.FetchPage(ctx, c.ID, 1, 10, MessageFilter{})
	if !page.Messages[0].IsRead || page.Messages[0].ReadAt == nil {
		t.Fatalf("after store read: %+v", page.Messages[0])
	}
}

func TestMessageStore_SendRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	cases := []struct {
		name   string
		caller string
		in     SendInput
		want   error
	}{
		{"stranger", userStranger, SendInput{Content: "x"}, ErrPermissionDenied},
		{"empty", userCustomer, SendInput{Content: "   "}, ErrInvalidInput},
		{"too long", userCustomer, SendInput{Content: strings.Repeat("a", MaxContentRunes+1)}, ErrInvalidInput},
		{"bad type", userCustomer, SendInput{Content: "x", MessageType: "video"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, err := f.svc.Send(ctx, Caller{UserID: tc.caller}, c.ID, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	if _, err := f.svc.Send(ctx, Caller{UserID: userCustomer}, "missing", SendInput{Content: "x"}); !IsNotFound(err) {
		t.Fatalf("missing conversation err = %v", err)
	}

	if _, err := f.svc.Conversations.Close(ctx, c.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.svc.Send(ctx, Caller{UserID: userCustomer}, c.ID, SendInput{Content: "x"}); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("closed conversation err = %v", err)
	}
}

func TestMessageStore_AdminSendsViaRoleLookup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := mustCreateConversation(t, f)

	res := mustSend(t, f, c.ID, userAdmin, "support here")
	if res.Message.SenderType != SenderAdmin {
		t.Fatalf("sender_type = %q, want admin", res.Message.SenderType)
	}
}

func TestMessageStore_PartialAttachmentFailure(t *testing.T) {
	t.Parallel()

	var storage nameFailStorage
	f := newFixture(t, func(d *Deps) {
		storage = nameFailStorage{MemoryStorage: NewMemoryStorage(""), failName: "second.pdf"}
		d.Files = storage
	})
	ctx := context.Background()
	c := mustCreateConversation(t, f)

	res, err := f.svc.Send(ctx, Caller{UserID: userCustomer}, c.ID, SendInput{
		Content: "see attached",
		Attachments: []FileUpload{
			{FileName: "first.png", ContentType: "image/png", Data: []byte("png-bytes")},
			{FileName: "second.pdf", ContentType: "application/pdf", Data: []byte("pdf-bytes")},
		},
	})
	if err != nil {
		t.Fatalf("send must succeed despite an upload failure: %v", err)
	}
	if len(res.Attachments) != 1 || res.Attachments[0].FileName != "first.png" {
		t.Fatalf("attachments = %+v, want first.png only", res.Attachments)
	}
	if len(res.UploadErrors) != 1 || res.UploadErrors[0].Index != 1 || res.UploadErrors[0].FileName != "second.pdf" {
		t.Fatalf("upload errors = %+v", res.UploadErrors)
	}

	page, err := f.svc.Messages.FetchPage(ctx, c.ID, 1, 10, MessageFilter{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.TotalCount != 1 {
		t.Fatalf("persisted messages = %d, want 1", page.TotalCount)
	}
	if got := len(page.Messages[0].Attachments); got != 1 {
		t.Fatalf("persisted attachments = %d, want 1", got)
	}
	if storage.Len() != 1 {
		t.Fatalf("stored objects = %d, want 1", storage.Len())
	}
}

func TestMessageStore_AttachmentOnlyMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := mustCreateConversation(t, f)

	res, err := f.svc.Send(context.Background(), Caller{UserID: userStore}, c.ID, SendInput{
		Attachments: []FileUpload{{FileName: "label.pdf", Data: []byte("%PDF-1.4")}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Message.MessageType != MessageAttachment {
		t.Fatalf("message_type = %q, want attachment", res.Message.MessageType)
	}
}

func TestMessageStore_SearchFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c := mustCreateConversation(t, f)
	mustSend(t, f, c.ID, userCustomer, "Where is my PARCEL?")
	mustSend(t, f, c.ID, userStore, "It shipped today")

	page, err := f.svc.Messages.FetchPage(ctx, c.ID, 1, 10, MessageFilter{Search: "parcel"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.TotalCount != 1 || len(page.Messages) != 1 || page.Messages[0].SenderID != userCustomer {
		t.Fatalf("search result = %+v", page)
	}
}

func messageIDs(list []Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}
