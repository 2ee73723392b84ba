package orchestrator

import "fmt"

// GatewayError is a stable, caller-facing admission or dispatch failure
// (spec.md §7): validation, authorization, content-policy, and
// loop-exhaustion failures all surface as one of these rather than a raw
// adapter error, so the HTTP layer can map Reason to a precise 4xx/5xx
// status without inspecting error chains. ProviderID is the last
// sub-provider attempted, if any; the provider's name is never attached
// (spec.md §7 "the provider name is never leaked, only its opaque id").
type GatewayError struct {
	HTTPStatus int
	Reason     string
	ProviderID string
}

func (e *GatewayError) Error() string { return e.Reason }

func newGatewayError(status int, reason string) *GatewayError {
	return &GatewayError{HTTPStatus: status, Reason: reason}
}

var (
	errModelRequired = newGatewayError(400, "model is required")
)

func errModelUnknown(model string) *GatewayError {
	return newGatewayError(404, "unknown model \""+model+"\"")
}

func errEndpointNotSupported(model, endpoint string) *GatewayError {
	return newGatewayError(400, "model \""+model+"\" does not support "+endpoint)
}

func errPlanDenied(model string) *GatewayError {
	return newGatewayError(403, "Your plan does not have access to model "+model)
}

func errInsufficientCredits() *GatewayError {
	return newGatewayError(402, "insufficient credits")
}

func errIPNotWhitelisted() *GatewayError {
	return newGatewayError(403, "client IP is not whitelisted for this account")
}

func errAccountDisabled() *GatewayError {
	return newGatewayError(403, "account is disabled")
}

func errContentPolicy(reason string) *GatewayError {
	return newGatewayError(400, reason)
}

// errAdapterMissingCapability is returned by a dispatch invoke callback
// when a derived adapter passed registry lookup but doesn't implement
// the capability-specific interface (e.g. a chat-only adapter reached
// through an images dispatch); Dispatch treats it like any other call
// error and retries the next candidate.
func errAdapterMissingCapability(adapterName, capability string) error {
	return fmt.Errorf("orchestrator: adapter %q does not implement capability %q", adapterName, capability)
}
