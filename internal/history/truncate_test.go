package history

import (
	"reflect"
	"strings"
	"testing"

	"github.com/eladberg/relay/internal/llm"
)

const testPrompt = "You are a helpful assistant."

func msg(role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

func TestPrepareInsertsSystemPrompt(t *testing.T) {
	tr := NewTruncator(nil, nil)
	got := tr.Prepare([]llm.Message{msg(llm.RoleUser, "hi")}, testPrompt, 16384, 2048)

	want := []llm.Message{
		msg(llm.RoleSystem, testPrompt),
		msg(llm.RoleUser, "hi"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPrepareHistorySystemOverridesPrompt(t *testing.T) {
	tr := NewTruncator(nil, nil)
	got := tr.Prepare([]llm.Message{
		msg(llm.RoleSystem, "custom persona"),
		msg(llm.RoleUser, "hi"),
	}, testPrompt, 16384, 2048)

	if got[0].Role != llm.RoleSystem || got[0].Content != "custom persona" {
		t.Errorf("system message = %+v, want custom persona", got[0])
	}
	if len(got) != 2 {
		t.Errorf("expected 2 messages, got %d", len(got))
	}
}

func TestPrepareCollapsesConsecutiveRoles(t *testing.T) {
	tr := NewTruncator(nil, nil)
	got := tr.Prepare([]llm.Message{
		msg(llm.RoleUser, "first attempt"),
		msg(llm.RoleUser, "second attempt"),
		msg(llm.RoleAssistant, "answer"),
		msg(llm.RoleUser, "followup"),
	}, testPrompt, 16384, 2048)

	want := []llm.Message{
		msg(llm.RoleSystem, testPrompt),
		msg(llm.RoleUser, "second attempt"),
		msg(llm.RoleAssistant, "answer"),
		msg(llm.RoleUser, "followup"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPrepareDropsEmptyAndInnerSystemMessages(t *testing.T) {
	tr := NewTruncator(nil, nil)
	got := tr.Prepare([]llm.Message{
		msg(llm.RoleUser, "hi"),
		msg(llm.RoleAssistant, ""),
		msg(llm.RoleSystem, "injected"),
		msg(llm.RoleAssistant, "hello"),
	}, testPrompt, 16384, 2048)

	want := []llm.Message{
		msg(llm.RoleSystem, testPrompt),
		msg(llm.RoleUser, "hi"),
		msg(llm.RoleAssistant, "hello"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPrepareRemovesOldestExchangesFirst(t *testing.T) {
	tr := NewTruncator(nil, nil)

	long := strings.Repeat("x", 400)
	history := []llm.Message{
		msg(llm.RoleUser, "old question "+long),
		msg(llm.RoleAssistant, "old answer "+long),
		msg(llm.RoleUser, "recent question"),
		msg(llm.RoleAssistant, "recent answer"),
		msg(llm.RoleUser, "latest question"),
	}

	// Budget fits the recent turns but not the padded old exchange.
	got := tr.Prepare(history, testPrompt, 150, 50)

	for _, m := range got {
		if strings.Contains(m.Content, long) {
			t.Errorf("oversized old message survived truncation: %q...", m.Content[:20])
		}
	}
	last := got[len(got)-1]
	if last.Content != "latest question" {
		t.Errorf("latest message = %+v, want latest question", last)
	}
}

func TestPrepareNeverDropsBelowLatestExchange(t *testing.T) {
	tr := NewTruncator(nil, nil)

	long := strings.Repeat("y", 2000)
	history := []llm.Message{
		msg(llm.RoleUser, long),
		msg(llm.RoleAssistant, long),
	}

	// Budget is impossible to satisfy; the last exchange must survive.
	got := tr.Prepare(history, testPrompt, 100, 50)

	if len(got) != 3 {
		t.Fatalf("expected system + 2 messages, got %d", len(got))
	}
	if got[1].Role != llm.RoleUser || got[2].Role != llm.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", got[1].Role, got[2].Role)
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	tr := NewTruncator(nil, nil)

	history := []llm.Message{
		msg(llm.RoleUser, strings.Repeat("a", 200)),
		msg(llm.RoleAssistant, strings.Repeat("b", 200)),
		msg(llm.RoleUser, "final"),
	}

	// Tight budget so the first pass actually truncates.
	once := tr.Prepare(history, testPrompt, 100, 30)
	twice := tr.Prepare(once, testPrompt, 100, 30)

	if len(once) >= len(history)+1 {
		t.Fatalf("expected first pass to truncate, got %d messages", len(once))
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("not idempotent:\n once: %+v\ntwice: %+v", once, twice)
	}
}

func TestPrepareRestoresAlternationAfterPartialDrop(t *testing.T) {
	tr := NewTruncator(nil, nil)

	history := []llm.Message{
		msg(llm.RoleAssistant, "orphaned answer"),
		msg(llm.RoleUser, "question"),
		msg(llm.RoleAssistant, "answer"),
		msg(llm.RoleUser, strings.Repeat("z", 600)),
	}

	got := tr.Prepare(history, testPrompt, 200, 20)

	// After truncation the first non-system message must be a user turn.
	if len(got) < 2 {
		t.Fatalf("too few messages: %+v", got)
	}
	if got[1].Role != llm.RoleUser {
		t.Errorf("first body message role = %s, want user", got[1].Role)
	}
}

func TestEstimateCounterScalesWithLength(t *testing.T) {
	c := EstimateCounter{}
	short := c.Count([]llm.Message{msg(llm.RoleUser, "hi")})
	long := c.Count([]llm.Message{msg(llm.RoleUser, strings.Repeat("hi", 500))})
	if long <= short {
		t.Errorf("expected longer content to cost more: short=%d long=%d", short, long)
	}
}

func TestLatestUser(t *testing.T) {
	history := []llm.Message{
		msg(llm.RoleUser, "first"),
		msg(llm.RoleAssistant, "answer"),
		msg(llm.RoleUser, "second"),
		msg(llm.RoleAssistant, "answer 2"),
	}
	if got := LatestUser(history); got != "second" {
		t.Errorf("LatestUser = %q, want 'second'", got)
	}
	if got := LatestUser(nil); got != "" {
		t.Errorf("LatestUser(nil) = %q, want empty", got)
	}
}
