// Package errors provides the error classification used across ipfixfwd.
//
// Errors fall into three classes:
//
//   - Transient: a destination or broker is temporarily unreachable. The
//     forwarding path never retries these synchronously; the reconnection
//     supervisor does.
//   - Invalid: malformed IPFIX input or bad configuration values. The current
//     message (or config load) is rejected, nothing else is affected.
//   - Fatal: the process cannot continue in its current configuration.
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and supports errors.Is / errors.As through the chain:
//
//	if err := fwd.Handle(msg); err != nil {
//	    if errors.Is(err, errors.ErrMalformedMessage) {
//	        // drop this message, keep the session
//	    }
//	}
package errors
