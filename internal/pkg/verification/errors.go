package verification

import "errors"

var (
	// ErrInvalidReceipt is fatal: the provider authoritatively rejected the
	// proof of purchase. Retrying without new user action is pointless.
	ErrInvalidReceipt = errors.New("invalid receipt")

	// ErrProviderUnavailable is transient: network failure, timeout or a
	// provider 5xx. Safe to retry; never grounds for downgrading entitlement.
	ErrProviderUnavailable = errors.New("provider unavailable")
)
