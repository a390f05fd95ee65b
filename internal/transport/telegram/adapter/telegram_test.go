package adapter

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "rentwatch/internal/transport"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := line + "\n" + line + "\n" + line
	got := splitTelegramText(text, 70)
	if len(got) != 2 {
		t.Fatalf("chunks = %d (%q), want 2", len(got), got)
	}
	if got[0] != line+"\n"+line {
		t.Fatalf("first chunk = %q", got[0])
	}
	if got[1] != line {
		t.Fatalf("second chunk = %q", got[1])
	}
	for _, c := range got {
		if len([]rune(c)) > 70 {
			t.Fatalf("chunk longer than limit: %d", len(c))
		}
	}
}

func TestFloodHint(t *testing.T) {
	t.Parallel()

	err := floodHint(tele.FloodError{RetryAfter: 7})
	if d, ok := kit.RetryAfterHint(err); !ok || d != 7*time.Second {
		t.Fatalf("hint = %v, %v; want 7s", d, ok)
	}

	plain := errors.New("telegram: bad request")
	if got := floodHint(plain); got != plain {
		t.Fatalf("non-flood error changed: %v", got)
	}
	if _, ok := kit.RetryAfterHint(plain); ok {
		t.Fatal("plain error carries no hint")
	}
	if floodHint(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestSplitTelegramTextCutsLongLines(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 25)
	got := splitTelegramText("head\n\n"+long+"\ntail", 10)
	want := []string{"head", "éééééééééé", "éééééééééé", "ééééé\ntail"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("split = %q, want %q", got, want)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	menu := menuCommands([]kit.BotCommand{
		{Command: "monitor", Description: "Start the monitor wizard"},
		{Command: "", Description: "ignored"},
		{Command: "fetch"},
		{Command: "list", Description: strings.Repeat("x", 300)},
	})
	if len(menu) != 3 {
		t.Fatalf("menu = %+v", menu)
	}
	if menu[1].Description != "fetch" {
		t.Fatalf("empty description = %q", menu[1].Description)
	}
	if n := len([]rune(menu[2].Description)); n != menuDescriptionMax {
		t.Fatalf("description runes = %d, want %d", n, menuDescriptionMax)
	}
}
