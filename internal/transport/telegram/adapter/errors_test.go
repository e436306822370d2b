package adapter

import (
	"errors"
	"fmt"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "loopbot/internal/transport"
)

func TestClassifyMigration(t *testing.T) {
	err := classify(tele.GroupError{MigratedTo: -1001234567})
	if kit.KindOf(err) != kit.KindMigrated {
		t.Fatalf("kind = %v, want migrated", kit.KindOf(err))
	}
	newID, ok := kit.MigratedTo(err)
	if !ok || newID != -1001234567 {
		t.Fatalf("migrated to = %d (ok=%v), want -1001234567", newID, ok)
	}
	if kit.IsFatal(err) {
		t.Fatalf("migration must not be fatal")
	}
}

func TestClassifyFlood(t *testing.T) {
	err := classify(tele.FloodError{RetryAfter: 17})
	if kit.KindOf(err) != kit.KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", kit.KindOf(err))
	}
	wait, ok := kit.RetryAfter(err)
	if !ok || wait != 17*time.Second {
		t.Fatalf("retry after = %v (ok=%v), want 17s", wait, ok)
	}
	if kit.IsFatal(err) {
		t.Fatalf("flood must not be fatal")
	}
}

func TestClassifyFatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"kicked", tele.NewError(403, "Forbidden: bot was kicked from the supergroup chat")},
		{"blocked", tele.NewError(403, "Forbidden: bot was blocked by the user")},
		{"chat not found", tele.ErrChatNotFound},
		{"source gone", tele.ErrNotFoundToForward},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if !kit.IsFatal(got) {
				t.Fatalf("classify(%v) kind = %v, want fatal", tc.err, kit.KindOf(got))
			}
		})
	}
}

func TestClassifyUnknownIsTransient(t *testing.T) {
	cases := []error{
		errors.New("dial tcp: i/o timeout"),
		fmt.Errorf("wrapped: %w", errors.New("connection reset by peer")),
		tele.NewError(500, "Internal Server Error"),
	}
	for _, err := range cases {
		got := classify(err)
		if kit.KindOf(got) != kit.KindTransient {
			t.Fatalf("classify(%v) kind = %v, want transient", err, kit.KindOf(got))
		}
		if kit.IsFatal(got) {
			t.Fatalf("transient classified fatal: %v", err)
		}
	}
}

func TestClassifyPreservesCause(t *testing.T) {
	cause := tele.NewError(403, "Forbidden")
	got := classify(cause)
	if !errors.Is(got, cause) {
		t.Fatalf("classified error should unwrap to the cause")
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	var b []byte
	for i := 0; i < 300; i++ {
		b = append(b, []byte(fmt.Sprintf("line %d\n", i))...)
	}
	chunks := splitTelegramText(string(b), 500)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 500 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
	}
}
