package store_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/message"
	"github.com/zhouzirui/session-gateway/internal/service/store"
)

func textMessage(sessionID, id string) message.Message {
	return message.Message{
		ID:        id,
		SessionID: sessionID,
		From:      "123@c.us",
		Body:      "body " + id,
		Type:      message.TypeText,
		Direction: message.DirectionInbound,
		Timestamp: time.Now().UTC(),
	}
}

func ids(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppendEvictsOldestWhenFull(t *testing.T) {
	s := store.New(store.Config{RingSize: 2}, nil)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		s.Append(ctx, textMessage("s1", id), nil)
	}

	got := ids(s.Query("s1", 10))
	if len(got) != 2 || got[0] != "m2" || got[1] != "m3" {
		t.Fatalf("expected [m2 m3], got %v", got)
	}
	if s.Len("s1") != 2 {
		t.Fatalf("expected len 2, got %d", s.Len("s1"))
	}
}

func TestQueryReturnsNewestLastAndClampsLimit(t *testing.T) {
	s := store.New(store.Config{RingSize: 5}, nil)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		s.Append(ctx, textMessage("s1", fmt.Sprintf("m%d", i)), nil)
	}

	got := ids(s.Query("s1", 2))
	if len(got) != 2 || got[0] != "m3" || got[1] != "m4" {
		t.Fatalf("expected [m3 m4], got %v", got)
	}
	if n := len(s.Query("s1", 0)); n != 4 {
		t.Fatalf("expected all 4 messages for limit 0, got %d", n)
	}
	if n := len(s.Query("s1", 1000)); n != 4 {
		t.Fatalf("expected clamp to held messages, got %d", n)
	}
	if got := s.Query("missing", 10); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestUpdateAckIsMonotonic(t *testing.T) {
	s := store.New(store.Config{}, nil)
	s.Append(context.Background(), textMessage("s1", "m1"), nil)

	res := s.UpdateAck("s1", "m1", message.AckDelivered)
	if !res.Applied || res.Message.Ack != message.AckDelivered {
		t.Fatalf("expected delivered applied, got %+v", res)
	}

	res = s.UpdateAck("s1", "m1", message.AckRead)
	if !res.Applied || res.Message.Ack != message.AckRead {
		t.Fatalf("expected read applied, got %+v", res)
	}

	res = s.UpdateAck("s1", "m1", message.AckDelivered)
	if res.Applied || !res.Known || res.Message.Ack != message.AckRead {
		t.Fatalf("expected regression to be ignored, got %+v", res)
	}

	res = s.UpdateAck("s1", "m1", message.AckRead)
	if res.Applied {
		t.Fatal("expected duplicate ack to be ignored")
	}

	if got := s.Query("s1", 1)[0].Ack; got != message.AckRead {
		t.Fatalf("expected stored ack read, got %v", got)
	}

	if res := s.UpdateAck("s1", "unknown", message.AckRead); res.Known {
		t.Fatal("expected unknown message")
	}
}

func TestEvictedMessageLosesAckIndex(t *testing.T) {
	s := store.New(store.Config{RingSize: 1}, nil)
	ctx := context.Background()
	s.Append(ctx, textMessage("s1", "m1"), nil)
	s.Append(ctx, textMessage("s1", "m2"), nil)

	if res := s.UpdateAck("s1", "m1", message.AckRead); res.Known {
		t.Fatal("expected evicted message to be unknown")
	}
}

type fakeBlobs struct {
	err  error
	puts int
}

func (f *fakeBlobs) Put(_ context.Context, sessionID, _, _ string, _ []byte) (string, error) {
	f.puts++
	if f.err != nil {
		return "", f.err
	}
	return sessionID + "/blob.bin", nil
}

func (f *fakeBlobs) Open(context.Context, string) (io.ReadCloser, int64, error) {
	return nil, 0, store.ErrBlobNotFound
}

func (f *fakeBlobs) Delete(context.Context, string) error        { return nil }
func (f *fakeBlobs) RemoveSession(context.Context, string) error { return nil }

func TestEvictionDeletesOffloadedMedia(t *testing.T) {
	blobs, err := store.NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobStore err: %v", err)
	}
	s := store.New(store.Config{RingSize: 1}, blobs)
	ctx := context.Background()

	first := s.Append(ctx, textMessage("s1", "m1"), &message.Payload{MimeType: "image/png", Data: []byte("first")})
	second := s.Append(ctx, textMessage("s1", "m2"), &message.Payload{MimeType: "image/png", Data: []byte("second")})

	if _, _, err := s.OpenBlob(ctx, first.Media.StorageRef); !errors.Is(err, store.ErrBlobNotFound) {
		t.Fatalf("expected evicted blob to be deleted, got %v", err)
	}
	rc, size, err := s.OpenBlob(ctx, second.Media.StorageRef)
	if err != nil {
		t.Fatalf("expected live blob to remain, got %v", err)
	}
	rc.Close()
	if size != int64(len("second")) {
		t.Fatalf("unexpected blob size %d", size)
	}
}

func TestAppendOffloadsMedia(t *testing.T) {
	blobs := &fakeBlobs{}
	s := store.New(store.Config{}, blobs)

	msg := textMessage("s1", "m1")
	msg.Type = message.TypeImage
	stored := s.Append(context.Background(), msg, &message.Payload{MimeType: "image/png", Data: []byte("png-bytes")})

	if stored.Media == nil || stored.Media.StorageRef != "s1/blob.bin" {
		t.Fatalf("expected storage ref, got %+v", stored.Media)
	}
	if stored.Media.SizeBytes != int64(len("png-bytes")) || stored.Media.Inline != "" {
		t.Fatalf("unexpected media: %+v", stored.Media)
	}
}

func TestAppendKeepsMessageWhenOffloadFails(t *testing.T) {
	blobs := &fakeBlobs{err: errors.New("disk full")}
	s := store.New(store.Config{}, blobs)

	stored := s.Append(context.Background(), textMessage("s1", "m1"), &message.Payload{MimeType: "image/png", Data: []byte("x")})

	if stored.Media == nil || stored.Media.Error != "disk full" {
		t.Fatalf("expected media error marker, got %+v", stored.Media)
	}
	if s.Len("s1") != 1 {
		t.Fatal("expected message to be stored despite offload failure")
	}
}

func TestAppendInlinesSmallPayloads(t *testing.T) {
	blobs := &fakeBlobs{}
	s := store.New(store.Config{InlineThreshold: 16}, blobs)

	stored := s.Append(context.Background(), textMessage("s1", "m1"), &message.Payload{MimeType: "audio/ogg", Data: []byte("tiny")})

	if stored.Media.Inline != "dGlueQ==" || blobs.puts != 0 {
		t.Fatalf("expected inline payload without blob write, got %+v puts=%d", stored.Media, blobs.puts)
	}
}

func TestQueryReturnsCopies(t *testing.T) {
	s := store.New(store.Config{}, &fakeBlobs{})
	s.Append(context.Background(), textMessage("s1", "m1"), &message.Payload{MimeType: "image/png", Data: []byte("x")})

	first := s.Query("s1", 1)
	first[0].Media.StorageRef = "mutated"

	if got := s.Query("s1", 1)[0].Media.StorageRef; got == "mutated" {
		t.Fatal("expected query results to be detached from the store")
	}
}

func TestDropAndCounters(t *testing.T) {
	s := store.New(store.Config{}, nil)
	ctx := context.Background()

	old := textMessage("s1", "old")
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	s.Append(ctx, old, nil)
	s.Append(ctx, textMessage("s1", "new"), nil)
	s.Append(ctx, textMessage("s2", "other"), nil)

	if got := s.CountSince("s1", time.Now().Add(-time.Hour)); got != 1 {
		t.Fatalf("expected 1 recent message, got %d", got)
	}
	if s.Total() != 3 {
		t.Fatalf("expected total 3, got %d", s.Total())
	}

	s.Drop(ctx, "s1")
	if s.Len("s1") != 0 || s.Total() != 1 {
		t.Fatalf("expected s1 dropped, len=%d total=%d", s.Len("s1"), s.Total())
	}
}
