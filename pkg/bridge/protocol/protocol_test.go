package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClientMessage_TurnSubmit(t *testing.T) {
	raw := []byte(`{"type":"turn.submit","conversation_id":" c_1 ","channel":"text","text":" hello "}`)
	decoded, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, ok := decoded.(ClientTurnSubmit)
	if !ok {
		t.Fatalf("decoded %T, want ClientTurnSubmit", decoded)
	}
	if msg.ConversationID != "c_1" || msg.Text != "hello" || msg.Channel != "text" {
		t.Fatalf("unexpected fields: %+v", msg)
	}
}

func TestDecodeClientMessage_TurnSubmitWithoutID(t *testing.T) {
	decoded, err := DecodeClientMessage([]byte(`{"type":"turn.submit","text":"hi"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg := decoded.(ClientTurnSubmit); msg.ConversationID != "" {
		t.Fatalf("ConversationID=%q, want empty", msg.ConversationID)
	}
}

func TestDecodeClientMessage_ConversationEnd(t *testing.T) {
	decoded, err := DecodeClientMessage([]byte(`{"type":"conversation.end","conversation_id":"c_9"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, ok := decoded.(ClientConversationEnd)
	if !ok || msg.ConversationID != "c_9" {
		t.Fatalf("decoded %#v", decoded)
	}
}

func TestDecodeClientMessage_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		param string
	}{
		{"not_json", `{{`, ""},
		{"missing_type", `{"text":"hi"}`, "type"},
		{"unknown_type", `{"type":"frobnicate"}`, "type"},
		{"empty_text", `{"type":"turn.submit","text":"  "}`, "text"},
		{"bad_channel", `{"type":"turn.submit","text":"hi","channel":"fax"}`, "channel"},
		{"end_without_id", `{"type":"conversation.end"}`, "conversation_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T, want *DecodeError", err)
			}
			if de.Param != tc.param {
				t.Fatalf("param=%q, want %q", de.Param, tc.param)
			}
		})
	}
}

func TestValidChannel(t *testing.T) {
	for _, ch := range []string{ChannelVoice, ChannelText, ChannelSMS} {
		if !ValidChannel(ch) {
			t.Fatalf("ValidChannel(%q)=false", ch)
		}
	}
	if ValidChannel("carrier-pigeon") {
		t.Fatalf("ValidChannel accepted unknown channel")
	}
}

func TestServerFrameConstructors(t *testing.T) {
	if f := NewTurnDelta("c", "i", "d"); f.Type != "turn.delta" {
		t.Fatalf("type=%q", f.Type)
	}
	if f := NewTurnComplete("c", "i", "t"); f.Type != "turn.complete" {
		t.Fatalf("type=%q", f.Type)
	}
	if f := NewToolDone("c", "call", "tool", "{}", "completed", "ok"); f.Type != "tool.done" || f.Status != "completed" {
		t.Fatalf("frame=%+v", f)
	}
	if f := NewFinalized("c", true); f.Type != "conversation.finalized" || !f.OK {
		t.Fatalf("frame=%+v", f)
	}
}
