// Package capability declares the narrow interfaces the routing core
// consults for the external collaborators spec.md §1 keeps out of
// scope: the security policy decision point, the E2E protection
// algorithms, the SecOC MAC engine, and the per-application host
// surface. The core never implements these itself; it ships permissive
// defaults so someipd runs standalone, and production deployments
// inject their own.
package capability

import (
	"github.com/someipd/someipd/internal/wire"
)

// SecurityPolicy is the "is allowed" decision point consulted before a
// local client may offer, request, subscribe to, or send on a service
// instance.
type SecurityPolicy interface {
	// AllowOffer reports whether client may offer (service, instance).
	AllowOffer(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID) bool

	// AllowRequest reports whether client may request (service,
	// instance).
	AllowRequest(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID) bool

	// AllowSend reports whether client may send a message of the given
	// type on (service, instance, method).
	AllowSend(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID, method wire.MethodID) bool
}

// E2EProvider validates and protects payloads according to a
// configured E2E profile (e.g. AUTOSAR Profile 07). The core never
// interprets the trailer itself; it only calls out to this capability
// at the points spec.md §4.5 names (on send, and on receive before
// dispatch).
type E2EProvider interface {
	// Protect appends or updates the E2E trailer of payload for the
	// given (service, instance, event/method), returning the protected
	// buffer.
	Protect(service wire.ServiceID, instance wire.InstanceID, id wire.MethodID, payload []byte) ([]byte, error)

	// Check validates payload's E2E trailer, reporting whether it
	// passed.
	Check(service wire.ServiceID, instance wire.InstanceID, id wire.MethodID, payload []byte) (ok bool, err error)
}

// SecOCRuntime signs outgoing and verifies incoming payloads requiring
// SecOC protection. Distinct from E2EProvider because a deployment may
// use one, both, or neither depending on the service.
type SecOCRuntime interface {
	Sign(service wire.ServiceID, instance wire.InstanceID, id wire.MethodID, payload []byte) ([]byte, error)
	Verify(service wire.ServiceID, instance wire.InstanceID, id wire.MethodID, payload []byte) (ok bool, err error)
}

// HostApplication is the per-application host surface spec.md §1 keeps
// external: the routing manager calls back into it to ask whether a
// pending subscribe should be accepted, the way spec.md §4.5 describes
// "forwarded over local transport to that application's handler".
// Implementations that live in-process (rather than over
// internal/localtransport) satisfy this directly; the localtransport
// broker adapts a remote connection to the same shape.
type HostApplication interface {
	// AcceptSubscribe asks the application providing (service,
	// instance, eventgroup) whether client may subscribe.
	AcceptSubscribe(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID, eventgroup wire.EventgroupID) bool
}
