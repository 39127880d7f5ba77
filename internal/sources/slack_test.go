package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
)

type fakeSlackAPI struct {
	pages     [][]slack.Message
	page      int
	users     map[string]*slack.User
	userCalls int
	permErr   error
}

func (f *fakeSlackAPI) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if f.page >= len(f.pages) {
		return nil, false, "", nil
	}
	msgs := f.pages[f.page]
	f.page++
	hasMore := f.page < len(f.pages)
	return msgs, hasMore, "cursor", nil
}

func (f *fakeSlackAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	f.userCalls++
	u, ok := f.users[user]
	if !ok {
		return nil, errors.New("user_not_found")
	}
	return u, nil
}

func (f *fakeSlackAPI) GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (string, error) {
	if f.permErr != nil {
		return "", f.permErr
	}
	return "https://example.slack.com/archives/" + params.Channel + "/p" + params.Ts, nil
}

func threadMsg(ts, user, text string) slack.Message {
	m := slack.Message{}
	m.Timestamp = ts
	m.User = user
	m.Text = text
	return m
}

func TestFetchThread(t *testing.T) {
	api := &fakeSlackAPI{
		pages: [][]slack.Message{
			{
				threadMsg("1736937000.000100", "U1", "How do we rotate the signing key?"),
				threadMsg("1736937060.000200", "U2", "<@U1> docs are at <#C9|ops>, use the rotate script"),
			},
			{
				threadMsg("1736937120.000300", "U1", "Got it, thanks"),
			},
		},
		users: map[string]*slack.User{
			"U1": {Name: "alice", Profile: slack.UserProfile{DisplayName: "Alice"}},
			"U2": {Name: "bob", Profile: slack.UserProfile{RealName: "Bob B"}},
		},
	}
	source := newSlackSource(api)

	messages, err := source.FetchThread(context.Background(), "C123", "1736937000.000100")
	if err != nil {
		t.Fatalf("FetchThread() error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3 across pages", len(messages))
	}

	first := messages[0]
	if first.ID != "C123:1736937000.000100" {
		t.Errorf("id = %q, want channel:ts", first.ID)
	}
	if first.Author != "Alice" {
		t.Errorf("author = %q, want Alice", first.Author)
	}
	want := time.Unix(1736937000, 100000).UTC()
	if !first.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp, want)
	}
	if first.Metadata["source"] != "slack" || first.Metadata["channel"] != "C123" {
		t.Errorf("metadata = %v, want slack source tags", first.Metadata)
	}

	if messages[1].Author != "Bob B" {
		t.Errorf("author = %q, want real-name fallback Bob B", messages[1].Author)
	}
	if messages[1].Content != "docs are at , use the rotate script" {
		t.Errorf("content = %q, want mentions stripped", messages[1].Content)
	}
}

func TestFetchThreadSkipsBotsAndEmpty(t *testing.T) {
	bot := threadMsg("1736937000.000400", "U9", "automated notice")
	bot.BotID = "B42"
	mentionOnly := threadMsg("1736937000.000500", "U1", "<@U2>")

	api := &fakeSlackAPI{
		pages: [][]slack.Message{{
			bot,
			mentionOnly,
			threadMsg("1736937000.000600", "U1", "real content here"),
		}},
		users: map[string]*slack.User{"U1": {Name: "alice"}},
	}
	source := newSlackSource(api)

	messages, err := source.FetchThread(context.Background(), "C123", "1736937000.000400")
	if err != nil {
		t.Fatalf("FetchThread() error: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "real content here" {
		t.Errorf("messages = %v, want only the real message", messages)
	}
}

func TestDisplayNameCached(t *testing.T) {
	api := &fakeSlackAPI{
		pages: [][]slack.Message{{
			threadMsg("1.000001", "U1", "first message text"),
			threadMsg("2.000001", "U1", "second message text"),
		}},
		users: map[string]*slack.User{"U1": {Name: "alice"}},
	}
	source := newSlackSource(api)

	if _, err := source.FetchThread(context.Background(), "C1", "1.000001"); err != nil {
		t.Fatalf("FetchThread() error: %v", err)
	}
	if api.userCalls != 1 {
		t.Errorf("user info calls = %d, want 1 (cached)", api.userCalls)
	}
}

func TestPermalinkFallback(t *testing.T) {
	api := &fakeSlackAPI{
		pages: [][]slack.Message{{
			threadMsg("1736937000.000100", "U1", "needs a permalink"),
		}},
		users:   map[string]*slack.User{"U1": {Name: "alice"}},
		permErr: errors.New("api down"),
	}
	source := newSlackSource(api)

	messages, err := source.FetchThread(context.Background(), "C123", "1736937000.000100")
	if err != nil {
		t.Fatalf("FetchThread() error: %v", err)
	}
	wantURL := "https://slack.com/archives/C123/p1736937000000100"
	if messages[0].URL != wantURL {
		t.Errorf("url = %q, want fallback %q", messages[0].URL, wantURL)
	}
}
