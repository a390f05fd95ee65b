package tgui

import "testing"

func TestEscapingBuilders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		got  H
		want string
	}{
		{"esc", Esc(`<a & "b">`), "&lt;a &amp; &#34;b&#34;&gt;"},
		{"bold", B("x<y"), "<b>x&lt;y</b>"},
		{"code", Code("id-1"), "<code>id-1</code>"},
		{"concat", Concat(B("a"), Esc(": "), I("b")), "<b>a</b>: <i>b</i>"},
		{"lines skip blanks", Lines(Esc("a"), "", Esc(" "), Esc("b")), "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.String() != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"£1,250 pcm", 2, "£1…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
