// Package transport delivers asset payloads to the remote collector over
// HTTP. Failures are tagged with sentinel errors (transient, timeout,
// permanent) so the sync engine can classify them without inspecting
// messages.
package transport
