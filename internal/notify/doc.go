// Package notify turns classified listings into chat messages and commits
// the snapshot of every listing whose message went out.
//
// Delivery is at-least-once: a snapshot is written only after the text was
// sent, so a crash or a failed write between the two re-notifies on the next
// poll. Album failures never block the snapshot.
package notify
