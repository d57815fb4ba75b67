package transport

import (
	"encoding/json"
	"testing"
)

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name          string
		serverURL     string
		allowInsecure bool
		want          string
		wantErr       bool
	}{
		{"https upgrades to wss", "https://api.example.com", false, "wss://api.example.com/realtime", false},
		{"http upgraded to wss in prod", "http://api.example.com", false, "wss://api.example.com/realtime", false},
		{"http stays ws in dev", "http://localhost:8080", true, "ws://localhost:8080/realtime", false},
		{"wss passthrough", "wss://api.example.com", false, "wss://api.example.com/realtime", false},
		{"trailing slash", "https://api.example.com/", false, "wss://api.example.com/realtime", false},
		{"unsupported scheme", "ftp://api.example.com", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(tt.serverURL, tt.allowInsecure)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Endpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(TypeSendMessage, SendMessage{
		LocalID:        "l1",
		ConversationID: "c1",
		Content:        "hello",
	})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	if f.Type != TypeSendMessage {
		t.Errorf("Type = %q, want send_message", f.Type)
	}

	var sm SendMessage
	if err := json.Unmarshal(f.Data, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.LocalID != "l1" || sm.Content != "hello" {
		t.Errorf("payload = %+v", sm)
	}
}

func TestNewFrameNilPayload(t *testing.T) {
	f, err := NewFrame(TypePing, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != TypePing || f.Data != nil {
		t.Errorf("frame = %+v, want bare ping", f)
	}
}
