package lock

import (
	"fmt"
	"strings"
)

// Identifier returns the identifier segment of the lock key for args.
// By default each argument is formatted with fmt.Sprint and the results are
// joined with "-".
func (l *Lock) Identifier(args ...any) string {
	if l.identifier != nil {
		return l.identifier(args...)
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, "-")
}

// LockKey returns the key of the lock record for args, by default
// "namespace:name:identifier".
func (l *Lock) LockKey(args ...any) string {
	if l.lockKey != nil {
		return l.lockKey(args...)
	}
	return joinKey(l.namespace, l.name, l.Identifier(args...))
}

// LonerKey returns the key guarding enqueued loner jobs, by default
// "loner:" followed by the lock key.
func (l *Lock) LonerKey(args ...any) string {
	if l.lonerKey != nil {
		return l.lonerKey(args...)
	}
	return joinKey("loner", l.LockKey(args...))
}

// joinKey joins the non-empty parts with ":".
func joinKey(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
