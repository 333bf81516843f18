package alert

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

type recordingSender struct {
	mu   sync.Mutex
	got  []Alert
	fail error
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.fail
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(log.NewWithWriter(&buf, "test", "dev", "info", "json"), "ops@example.com")
	if err := s.Send(context.Background(), Newf(KindVerifierFailure, 0, "verifier down", "%s failed %d times", "10.0.0.1:2222", 11)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"kind":"verifier_failure"`, `"recipient":"ops@example.com"`, "failed 11 times"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestMulti(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{fail: errors.New(errors.ErrorTypeMessaging, "test", "sink down")}
	m := Multi{ok, nil, bad}

	err := m.Send(context.Background(), Newf(KindBlobConversionFailure, 18081, "s", "b"))
	if err == nil {
		t.Fatal("expected the failing sink to surface")
	}
	if !errors.IsType(err, errors.ErrorTypeMessaging) {
		t.Errorf("error type: %v", err)
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Errorf("every sink must be attempted: ok=%d bad=%d", len(ok.got), len(bad.got))
	}
	if err := (Multi{ok}).Send(context.Background(), Alert{}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

type fakePublisher struct {
	topic, key string
	data       []byte
}

func (f *fakePublisher) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	f.topic, f.key = topic, key
	var err error
	f.data, err = proto.Marshal(msg)
	return err
}

func TestKafkaSenderRoundTrip(t *testing.T) {
	pub := &fakePublisher{}
	s := NewKafkaSender(pub, "pool.alerts")
	want := Alert{
		Kind:      KindReservedOffsetMismatch,
		Recipient: "ops",
		Subject:   "offset mismatch",
		Body:      "daemon 130, found 133",
		Port:      18081,
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
	if err := s.Send(context.Background(), want); err != nil {
		t.Fatal(err)
	}
	if pub.topic != "pool.alerts" || pub.key != string(KindReservedOffsetMismatch) {
		t.Errorf("published to %s/%s", pub.topic, pub.key)
	}
	got, err := Decode(pub.data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Time.Equal(want.Time) {
		t.Errorf("time %v, want %v", got.Time, want.Time)
	}
	got.Time = want.Time
	if got != want {
		t.Errorf("decoded %+v, want %+v", got, want)
	}
	if _, err := Decode([]byte{0xff, 0xff}); err == nil {
		t.Error("expected decode error for garbage")
	}
}

type fakeWebhook struct {
	params *discordgo.WebhookParams
	id     string
	err    error
}

func (f *fakeWebhook) WebhookExecute(webhookID, _ string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.id = webhookID
	f.params = data
	return nil, f.err
}

func TestDiscordSender(t *testing.T) {
	hook := &fakeWebhook{}
	s, err := NewDiscordSender(hook, "123", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), Newf(KindVerifierFailure, 9998, "verifier down", "details")); err != nil {
		t.Fatal(err)
	}
	if hook.id != "123" {
		t.Errorf("webhook id %q", hook.id)
	}
	if want := "**verifier down** (port 9998)\ndetails"; hook.params.Content != want {
		t.Errorf("content %q, want %q", hook.params.Content, want)
	}

	hook.err = errors.Sentinel("429")
	if err := s.Send(context.Background(), Alert{Body: strings.Repeat("x", 3000)}); !errors.IsType(err, errors.ErrorTypeMessaging) {
		t.Errorf("expected messaging error, got %v", err)
	}
	if n := len(hook.params.Content); n != discordLimit {
		t.Errorf("content length %d, want %d", n, discordLimit)
	}
}

func TestOrNop(t *testing.T) {
	if err := OrNop(nil).Send(context.Background(), Alert{}); err != nil {
		t.Fatal(err)
	}
	r := &recordingSender{}
	if OrNop(r) != Sender(r) {
		t.Error("OrNop must keep a non-nil sender")
	}
}
