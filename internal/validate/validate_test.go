package validate

import (
	"errors"
	"strings"
	"testing"
)

type joinPayload struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
	Role   string `json:"role" validate:"max=50"`
}

func TestRoomIDTag(t *testing.T) {
	val := New(1000)
	tests := []struct {
		in string
		ok bool
	}{
		{"room-abcdef", true},
		{"abc_DEF-123", true},
		{"short", false},
		{strings.Repeat("a", 50), true},
		{strings.Repeat("a", 51), false},
		{"room abcdef", false},
		{"room/abcdef", false},
		{"", false},
	}
	for _, tt := range tests {
		err := val.Struct(&joinPayload{RoomID: tt.in})
		if (err == nil) != tt.ok {
			t.Errorf("roomId %q err = %v, want ok=%v", tt.in, err, tt.ok)
		}
	}
}

func TestDisplayName(t *testing.T) {
	val := New(1000)
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Alice", "Alice", true},
		{"  Bob Smith ", "Bob Smith", true},
		{"A", "", false},
		{strings.Repeat("x", 30), strings.Repeat("x", 30), true},
		{strings.Repeat("x", 31), "", false},
		{"<b>Eve</b>", "Eve", true},
		{"Mallory!", "", false},
	}
	for _, tt := range tests {
		got, err := val.DisplayName(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("DisplayName(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatTextBoundaries(t *testing.T) {
	val := New(10)

	if got, err := val.ChatText(strings.Repeat("a", 10)); err != nil || got != strings.Repeat("a", 10) {
		t.Fatalf("exact cap: %q, %v", got, err)
	}
	if _, err := val.ChatText(strings.Repeat("a", 11)); err == nil {
		t.Fatal("cap+1 accepted")
	}
	if _, err := val.ChatText("   "); err == nil {
		t.Fatal("blank accepted")
	}
	// Length counts characters, not bytes.
	if _, err := val.ChatText(strings.Repeat("é", 10)); err != nil {
		t.Fatalf("multibyte at cap: %v", err)
	}
}

func TestChatTextRejectsActiveContent(t *testing.T) {
	val := New(1000)
	for _, in := range []string{
		"<script>alert(1)</script>",
		"click javascript:alert(1)",
		`<img src=x onerror=alert(1)>`,
		"<iframe src='//evil'>",
		"data:text/html;base64,AAAA",
	} {
		_, err := val.ChatText(in)
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != "text" {
			t.Errorf("ChatText(%q) err = %v, want text FieldError", in, err)
		}
	}
}

func TestSanitizeStripsMarkup(t *testing.T) {
	val := New(1000)
	if got := val.Sanitize("<b>hi</b> there"); got != "hi there" {
		t.Fatalf("Sanitize = %q", got)
	}
	if got := val.Sanitize("hi"); got != "hi" {
		t.Fatalf("Sanitize plain = %q", got)
	}
}

func TestRoleAndEmoji(t *testing.T) {
	val := New(1000)
	if err := val.Struct(&joinPayload{RoomID: "room-abcdef", Role: strings.Repeat("r", 50)}); err != nil {
		t.Fatalf("role at cap: %v", err)
	}
	err := val.Struct(&joinPayload{RoomID: "room-abcdef", Role: strings.Repeat("r", 51)})
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "role" {
		t.Fatalf("role over cap: err = %v", err)
	}
	if _, err := val.Emoji("<i></i>"); err == nil {
		t.Fatal("empty emoji after sanitization accepted")
	}
	if got, err := val.Emoji("🎉"); err != nil || got != "🎉" {
		t.Fatalf("Emoji = %q, %v", got, err)
	}
}

func TestSanitizeKeepsPlainText(t *testing.T) {
	val := New(1000)
	tests := []struct {
		in   string
		want string
	}{
		{"don't", "don't"},
		{"a & b", "a & b"},
		{`say "hi"`, `say "hi"`},
		{"1 < 2 > 0", "1 < 2 > 0"},
		{"What's <b>up</b>?", "What's up?"},
		{"&lt;b&gt;bold&lt;/b&gt;", "bold"},
	}
	for _, tt := range tests {
		if got := val.Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChatTextCountsDecodedCharacters(t *testing.T) {
	val := New(10)
	for _, in := range []string{strings.Repeat("'", 10), strings.Repeat("&", 10), `"quoted"!!`} {
		got, err := val.ChatText(in)
		if err != nil || got != in {
			t.Errorf("ChatText(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := val.ChatText(strings.Repeat("'", 11)); err == nil {
		t.Fatal("cap+1 apostrophes accepted")
	}
	if got, err := New(1000).ChatText("Tom & Jerry"); err != nil || got != "Tom & Jerry" {
		t.Fatalf("ChatText = %q, %v", got, err)
	}
}

func TestChatTextRejectsEncodedActiveContent(t *testing.T) {
	val := New(1000)
	if _, err := val.ChatText("&lt;script&gt;alert(1)&lt;/script&gt;"); err == nil {
		t.Fatal("entity-encoded script accepted")
	}
}

type pollPayload struct {
	Question string   `json:"question" validate:"required,max=200"`
	Options  []string `json:"options" validate:"min=2,max=10,dive,required,max=100"`
	RoomID   string   `json:"roomId" validate:"roomid"`
}

func TestStruct(t *testing.T) {
	val := New(1000)

	p := pollPayload{Question: " <b>What's for lunch?</b> ", Options: []string{"Fish & chips", "<i>No</i>"}, RoomID: "room-abcdef"}
	if err := val.Struct(&p); err != nil {
		t.Fatalf("Struct: %v", err)
	}
	if p.Question != "What's for lunch?" || p.Options[0] != "Fish & chips" || p.Options[1] != "No" {
		t.Fatalf("fields not sanitized: %+v", p)
	}

	bad := pollPayload{Question: "Lunch?", Options: []string{"only"}, RoomID: "room-abcdef"}
	err := val.Struct(&bad)
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "options" {
		t.Fatalf("err = %v, want options FieldError", err)
	}

	badRoom := pollPayload{Question: "Lunch?", Options: []string{"a", "b"}, RoomID: "x"}
	if err := val.Struct(&badRoom); !errors.As(err, &fe) || fe.Field != "roomId" {
		t.Fatalf("err = %v, want roomId FieldError", err)
	}
}
