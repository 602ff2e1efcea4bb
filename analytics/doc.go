// Package analytics aggregates failure events from the bus into recurring
// error patterns. When the same pattern fires often enough within the
// analysis window it is surfaced once as a notification.error, then muted
// for a cooldown period so a flapping component does not flood the user.
package analytics
