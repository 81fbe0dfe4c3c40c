// Package storage persists what the registration jobs leave behind.
//
// It currently supports:
//   - Audit trail appends (per-job outcomes, cart and drop errors)
//   - Notifier dedup state, so a restart does not resend recent messages
package storage
