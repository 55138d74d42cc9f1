// Package store defines the persistence boundary for sessions and work items
// plus the reconciliation rule shared by the scheduler and the watchdog.
// Implementations live in the memory and postgres subpackages; this package
// must not import database drivers or concrete clients.
package store
