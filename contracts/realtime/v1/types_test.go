package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid join", env: Envelope{V: Version, Type: TypeJoin}},
		{name: "valid error", env: Envelope{V: Version, Type: TypeError}},
		{name: "missing version", env: Envelope{Type: TypeJoin}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeJoin}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "nonsense"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	payload, _ := json.Marshal(JoinPayload{UserID: "alice"})
	env := Envelope{
		V:       Version,
		Type:    TypeJoin,
		ID:      "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TS:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Payload: payload,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeJoin || decoded.V != Version {
		t.Fatalf("decoded: %+v", decoded)
	}

	var p JoinPayload
	if err := json.Unmarshal(decoded.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.UserID != "alice" {
		t.Fatalf("user id: %q", p.UserID)
	}
}
