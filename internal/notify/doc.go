// Package notify holds enrich.Notifier implementations that announce
// session lifecycle events.
package notify
