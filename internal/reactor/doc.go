// Package reactor implements a cooperative, single-goroutine timer scheduler.
//
// ARCHITECTURE:
//
// Single-Goroutine Event Loop:
// All registered timers are fired from the goroutine that calls Run. A timer
// callback performs one bounded unit of work and tells the reactor when it
// wants to run again:
//   - Again: run again as soon as every other due timer had its turn
//   - After(d): run again once d has elapsed
//   - Stop: deregister the timer
//
// Callbacks must never block on an unbounded operation; doing so stalls every
// other timer. Long jobs are expressed as a step function that returns Again
// between steps.
//
// Registration and deregistration are safe from any goroutine (including from
// inside a callback). Deregistering a timer while its callback is running
// discards the directive the callback returns.
//
// Deterministic Testing:
// RunDue fires every timer that is due at the reactor clock's current time,
// once, from the calling goroutine. Paired with a fake Clock it lets tests
// drive playback tick by tick without a background goroutine.
package reactor
