// Package grant holds per-task state for drivers that serve isolated
// client tasks over a shared device.
//
// A Grant maps task identities to driver-defined records. Records are
// created on first access and destroyed when the task is torn down; after
// teardown every access fails with ErrNoSuchApp.
//
// A Region is memory a task shares with a driver. Its length is checked on
// every access and it can be revoked at any time.
//
// A Queue carries upcalls from a driver to a task. Drivers schedule
// Callbacks from completion handlers; the task runs them when it calls
// Yield.
package grant
