package capability

import "github.com/someipd/someipd/internal/wire"

// AllowAll is the permissive SecurityPolicy default: every offer,
// request, and send is allowed. someipd ships this so it runs
// standalone; a production deployment injects a real policy decision
// point instead.
type AllowAll struct{}

func (AllowAll) AllowOffer(wire.ClientID, wire.ServiceID, wire.InstanceID) bool   { return true }
func (AllowAll) AllowRequest(wire.ClientID, wire.ServiceID, wire.InstanceID) bool { return true }
func (AllowAll) AllowSend(wire.ClientID, wire.ServiceID, wire.InstanceID, wire.MethodID) bool {
	return true
}

var _ SecurityPolicy = AllowAll{}

// NoopE2E is the no-op E2EProvider default: Protect passes payloads
// through unchanged and Check always reports success. Wiring a real E2E
// Profile-07 implementation replaces this without the core changing.
type NoopE2E struct{}

func (NoopE2E) Protect(_ wire.ServiceID, _ wire.InstanceID, _ wire.MethodID, payload []byte) ([]byte, error) {
	return payload, nil
}

func (NoopE2E) Check(wire.ServiceID, wire.InstanceID, wire.MethodID, []byte) (bool, error) {
	return true, nil
}

var _ E2EProvider = NoopE2E{}

// NoopSecOC is the no-op SecOCRuntime default.
type NoopSecOC struct{}

func (NoopSecOC) Sign(_ wire.ServiceID, _ wire.InstanceID, _ wire.MethodID, payload []byte) ([]byte, error) {
	return payload, nil
}

func (NoopSecOC) Verify(wire.ServiceID, wire.InstanceID, wire.MethodID, []byte) (bool, error) {
	return true, nil
}

var _ SecOCRuntime = NoopSecOC{}

// AcceptAllSubscriptions is the default HostApplication used when no
// real application-side accept/reject logic has been wired: every
// subscribe is accepted.
type AcceptAllSubscriptions struct{}

func (AcceptAllSubscriptions) AcceptSubscribe(wire.ClientID, wire.ServiceID, wire.InstanceID, wire.EventgroupID) bool {
	return true
}

var _ HostApplication = AcceptAllSubscriptions{}
