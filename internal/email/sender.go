// Package email delivers transactional mail: verification links,
// password resets, and license notifications.
package email

import "context"

// Sender delivers transactional email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
