package sources

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"recall/internal/storage"
)

// slackAPI is the slice of the Slack client the source needs.
type slackAPI interface {
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (string, error)
}

// SlackSource pulls thread messages out of Slack and converts them to
// ingestable records. Message IDs are "<channel>:<ts>" so re-fetching a
// thread upserts instead of duplicating.
type SlackSource struct {
	api slackAPI

	mu    sync.Mutex
	names map[string]string
}

// NewSlackSource creates a source backed by the given bot token.
func NewSlackSource(botToken string) *SlackSource {
	return newSlackSource(slack.New(botToken))
}

func newSlackSource(api slackAPI) *SlackSource {
	return &SlackSource{api: api, names: make(map[string]string)}
}

// FetchThread retrieves every message in a thread, following pagination
// cursors, and returns them as storage messages. Bot messages and
// messages with no usable text are skipped.
func (s *SlackSource) FetchThread(ctx context.Context, channelID, threadTS string) ([]storage.Message, error) {
	var messages []storage.Message

	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     100,
		Inclusive: true,
	}
	for {
		replies, hasMore, nextCursor, err := s.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch thread %s/%s: %w", channelID, threadTS, err)
		}

		for _, reply := range replies {
			msg, ok := s.convert(ctx, reply, channelID)
			if !ok {
				continue
			}
			messages = append(messages, msg)
		}

		if !hasMore {
			break
		}
		params.Cursor = nextCursor
	}

	slog.Info("Fetched Slack thread",
		slog.String("channel", channelID),
		slog.String("thread_ts", threadTS),
		slog.Int("messages", len(messages)))
	return messages, nil
}

func (s *SlackSource) convert(ctx context.Context, reply slack.Message, channelID string) (storage.Message, bool) {
	if reply.SubType == "bot_message" || reply.BotID != "" {
		return storage.Message{}, false
	}

	text := cleanText(reply.Text)
	if text == "" {
		return storage.Message{}, false
	}

	ts, err := parseSlackTimestamp(reply.Timestamp)
	if err != nil {
		slog.Warn("Skipping message with unparseable timestamp",
			slog.String("ts", reply.Timestamp), slog.Any("error", err))
		return storage.Message{}, false
	}

	return storage.Message{
		ID:        channelID + ":" + reply.Timestamp,
		URL:       s.permalink(ctx, channelID, reply.Timestamp),
		Author:    s.displayName(ctx, reply.User),
		Timestamp: ts,
		Content:   text,
		Metadata: storage.Metadata{
			"source":  "slack",
			"channel": channelID,
		},
	}, true
}

// permalink asks Slack for the canonical message URL; on failure it
// falls back to the archives URL format so the record stays ingestable.
func (s *SlackSource) permalink(ctx context.Context, channelID, ts string) string {
	link, err := s.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{
		Channel: channelID,
		Ts:      ts,
	})
	if err != nil {
		slog.Warn("Failed to get permalink", slog.String("ts", ts), slog.Any("error", err))
		return fmt.Sprintf("https://slack.com/archives/%s/p%s", channelID, strings.Replace(ts, ".", "", 1))
	}
	return link
}

// displayName resolves a user ID to a human name, caching lookups for
// the lifetime of the source. The ID itself is the fallback.
func (s *SlackSource) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return "unknown"
	}

	s.mu.Lock()
	if name, ok := s.names[userID]; ok {
		s.mu.Unlock()
		return name
	}
	s.mu.Unlock()

	name := userID
	user, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Warn("Failed to get user info", slog.String("user_id", userID), slog.Any("error", err))
	} else {
		switch {
		case user.Profile.DisplayName != "":
			name = user.Profile.DisplayName
		case user.Profile.RealName != "":
			name = user.Profile.RealName
		case user.Name != "":
			name = user.Name
		}
	}

	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
	return name
}

// parseSlackTimestamp converts a Slack "seconds.micros" timestamp into
// a UTC time. The parts are parsed separately; going through a float
// would lose microsecond precision at epoch magnitudes.
func parseSlackTimestamp(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}

	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
		}
		for i := len(fracPart); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// cleanText strips user mentions and channel references, which carry no
// retrievable meaning outside Slack.
func cleanText(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	for strings.Contains(text, "<#") {
		start := strings.Index(text, "<#")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}
