package workspace

import "testing"

func TestParseInboundAcceptsValidFrames(t *testing.T) {
	cases := []string{
		`{"type":"text","text":"hello","version":3,"line":1,"column":5}`,
		`{"type":"cursor_position","line":10,"column":2}`,
		`{"type":"delete_file","path":"/alice/a.md"}`,
		`{"type":"set_scroll_position","path":"/alice/a.md"}`,
		`{"type":"set_tab_foreground","is_tab_foreground":0}`,
		`{"type":"set_tab_foreground","is_tab_foreground":1}`,
	}
	for _, raw := range cases {
		if _, err := ParseInbound([]byte(raw)); err != nil {
			t.Fatalf("rejected valid frame %s: %v", raw, err)
		}
	}
}

func TestParseInboundRejectsInvalidFrames(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"type":"unknown"}`,
		`{"type":"init"}`,
		`{"type":"text"}`,
		`{"type":"text","text":"missing version"}`,
		`{"type":"delete_file"}`,
		`{"type":"cursor_position","line":1}`,
		`{"type":"set_tab_foreground","is_tab_foreground":2}`,
		`{"type":"set_scroll_position","path":""}`,
	}
	for _, raw := range cases {
		if _, err := ParseInbound([]byte(raw)); err == nil {
			t.Fatalf("accepted invalid frame %s", raw)
		}
	}
}

func TestParseInboundDecodesFields(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"text","text":"abc","version":7,"line":2,"column":3}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != MsgText || msg.Text == nil || *msg.Text != "abc" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Version == nil || *msg.Version != 7 || msg.Line != 2 || msg.Column != 3 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
