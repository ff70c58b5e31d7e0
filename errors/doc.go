// Package errors provides the classified error taxonomy used across the
// acquisition framework.
//
// Errors fall into five classes that map onto distinct handling strategies:
//
//   - Protocol: malformed headers or chunks, version mismatches. Fatal to the
//     specific connection, never to the process.
//   - Transport: closed channels, unreachable endpoints. Retryable for
//     control-plane RPC; data subscriptions must resubscribe explicitly.
//   - Policy: backpressure policy violations such as a subscriber timeout
//     under the blocking policy. The offending subscription is dropped and
//     the producer keeps serving others.
//   - Lifecycle: returned synchronously from configure/start/subscribe calls
//     (StreamAlreadyExists, IncompatibleSpec, ...). The caller stays in a
//     well-defined non-running state.
//   - Crash: heartbeat timeouts and lost peers, reported upward for operator
//     or supervisor decision, never retried automatically.
//
// Wrapping follows the "component.method: action failed: %w" format:
//
//	return errors.WrapTransport(err, "Channel", "Send", "publish chunk")
//
// Classification survives wrapping and is inspected with errors.Is/As or the
// ClassOf/IsTransient helpers, never by string matching.
package errors
