// Package automation drives a terminal session through scripted
// send/expect steps.
//
// [Run] writes each step's text, then polls the stream with short read
// deadlines and matches the step's patterns against the accumulated output
// after every chunk. The earliest match in the buffer wins and the output
// up to the end of the match is attached to the step's result; anything
// after it is kept for the next step. Step timeouts and a lost channel are
// recorded in the [Result] rather than returned as errors.
//
// The package never creates or closes sessions.
package automation
