package relay

// Logging convention in the `relay` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - failed durable writes from the presence flush and sweeper
//     - rpc forwarding failures and timeouts
//     - abnormal connection exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1)/V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with ids that can be used to filter
//     - frequent events - e.g. emit, resolve, flush, alive -
//       tagged with short bracket prefixes like [router], [presence], [rpc], [t]
