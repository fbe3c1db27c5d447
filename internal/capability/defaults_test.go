package capability

import "testing"

func TestAllowAllAllowsEverything(t *testing.T) {
	var p SecurityPolicy = AllowAll{}
	if !p.AllowOffer(1, 1, 1) || !p.AllowRequest(1, 1, 1) || !p.AllowSend(1, 1, 1, 1) {
		t.Fatal("AllowAll must allow every operation")
	}
}

func TestNoopE2EPassesThroughAndChecks(t *testing.T) {
	var e E2EProvider = NoopE2E{}
	payload := []byte{1, 2, 3}
	protected, err := e.Protect(1, 1, 1, payload)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if string(protected) != string(payload) {
		t.Fatal("NoopE2E.Protect must pass payloads through unchanged")
	}
	ok, err := e.Check(1, 1, 1, payload)
	if err != nil || !ok {
		t.Fatal("NoopE2E.Check must always pass")
	}
}

func TestAcceptAllSubscriptionsAccepts(t *testing.T) {
	var h HostApplication = AcceptAllSubscriptions{}
	if !h.AcceptSubscribe(1, 1, 1, 1) {
		t.Fatal("AcceptAllSubscriptions must accept every subscribe")
	}
}
