package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseVoiceForm(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&From=client%3Aagent&To=%2B4512345678")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice/outgoing", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseVoiceForm(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" || form.To != "+4512345678" {
		t.Fatalf("unexpected form: %+v", form)
	}
	if got := form.ClientIdentity(); got != "agent" {
		t.Fatalf("expected client identity agent, got %q", got)
	}
}

func TestClientIdentity_PhoneNumber(t *testing.T) {
	if got := (VoiceForm{From: "+4598765432"}).ClientIdentity(); got != "" {
		t.Fatalf("expected no client identity, got %q", got)
	}
}

type presenceStub map[string]bool

func (p presenceStub) Online(identity string) bool { return p[identity] }

func TestRouter_Outgoing(t *testing.T) {
	r := Router{CallerID: "+4570000000"}

	d, err := r.Outgoing(VoiceForm{To: " +45 12 34 56 78 "})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Action != ActionDialNumber || d.Target != "+45 12 34 56 78" || d.CallerID != "+4570000000" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	d, err = r.Outgoing(VoiceForm{To: ""})
	if err != ErrMissingDestination || d.Action != ActionReject {
		t.Fatalf("expected reject for missing destination, got %+v %v", d, err)
	}
}

func TestRouter_Incoming(t *testing.T) {
	if d := (Router{}).Incoming(VoiceForm{}); d.Action != ActionReject || d.Reason != "busy" {
		t.Fatalf("expected busy without agent, got %+v", d)
	}

	r := Router{AgentIdentity: "agent", Presence: presenceStub{}}
	if d := r.Incoming(VoiceForm{}); d.Action != ActionReject {
		t.Fatalf("expected busy when agent offline, got %+v", d)
	}

	r.Presence = presenceStub{"agent": true}
	if d := r.Incoming(VoiceForm{}); d.Action != ActionDialClient || d.Target != "agent" {
		t.Fatalf("expected dial client, got %+v", d)
	}
}
