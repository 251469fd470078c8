// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives behind the reactor: the bounded MPMC queue used for
// cross-thread task handoff and the deadline queue used for scheduled tasks.
package concurrency
