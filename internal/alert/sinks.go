package alert

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/coinpool/pkg/errors"
)

// Publisher is the messaging capability the Kafka sink needs.
// *messaging.KafkaClient satisfies it.
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// KafkaSender publishes alerts as protobuf Struct messages keyed by kind.
type KafkaSender struct {
	pub   Publisher
	topic string
}

// NewKafkaSender creates a sender publishing to topic.
func NewKafkaSender(pub Publisher, topic string) *KafkaSender {
	return &KafkaSender{pub: pub, topic: topic}
}

// Send implements Sender.
func (s *KafkaSender) Send(ctx context.Context, a Alert) error {
	msg, err := Encode(a)
	if err != nil {
		return err
	}
	return s.pub.PublishProto(ctx, s.topic, string(a.Kind), msg)
}

// Encode converts an alert into the Struct payload published on the alert topic.
func Encode(a Alert) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"kind":      string(a.Kind),
		"recipient": a.Recipient,
		"subject":   a.Subject,
		"body":      a.Body,
		"port":      a.Port,
		"time":      a.Time.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "alert.encode", "failed to encode alert")
	}
	return msg, nil
}

// Decode is the inverse of Encode, for consumers of the alert topic.
func Decode(data []byte) (Alert, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return Alert{}, errors.Wrap(err, errors.ErrorTypeProtocol, "alert.decode", "alert payload is not a Struct")
	}
	f := msg.GetFields()
	a := Alert{
		Kind:      Kind(f["kind"].GetStringValue()),
		Recipient: f["recipient"].GetStringValue(),
		Subject:   f["subject"].GetStringValue(),
		Body:      f["body"].GetStringValue(),
		Port:      int(f["port"].GetNumberValue()),
	}
	if ts := f["time"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Alert{}, errors.Wrap(err, errors.ErrorTypeProtocol, "alert.decode", "bad alert time")
		}
		a.Time = t
	}
	return a, nil
}

// WebhookExecutor is the Discord capability the Discord sink needs.
// *discordgo.Session satisfies it.
type WebhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// discordLimit is the message content limit of the Discord API.
const discordLimit = 2000

// DiscordSender posts alerts to a Discord channel webhook.
type DiscordSender struct {
	exec      WebhookExecutor
	webhookID string
	token     string
}

// NewDiscordSender creates a sender for the given webhook. A nil exec uses a
// fresh unauthenticated session, which is all webhook execution needs.
func NewDiscordSender(exec WebhookExecutor, webhookID, token string) (*DiscordSender, error) {
	if exec == nil {
		s, err := discordgo.New("")
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "alert.discord", "failed to create discord session")
		}
		exec = s
	}
	return &DiscordSender{exec: exec, webhookID: webhookID, token: token}, nil
}

// Send implements Sender.
func (s *DiscordSender) Send(ctx context.Context, a Alert) error {
	_, err := s.exec.WebhookExecute(s.webhookID, s.token, false, &discordgo.WebhookParams{
		Content:         formatDiscord(a),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "alert.discord", "webhook execute failed").
			WithContext("kind", string(a.Kind))
	}
	return nil
}

func formatDiscord(a Alert) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(a.Subject)
	b.WriteString("**")
	if a.Port != 0 {
		b.WriteString(" (port ")
		b.WriteString(strconv.Itoa(a.Port))
		b.WriteString(")")
	}
	b.WriteString("\n")
	b.WriteString(a.Body)
	out := b.String()
	if len(out) > discordLimit {
		out = out[:discordLimit-3] + "..."
	}
	return out
}

// String renders an alert as a single log friendly line.
func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Kind, a.Subject, a.Body)
}
