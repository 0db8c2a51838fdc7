package webhook

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy code", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked code", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"wrapped busy code", fmt.Errorf("insert event: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"constraint code", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"locked message without driver type", fmt.Errorf("insert event: %v", errors.New("database is locked")), true},
		// Digits in parentheses alone must not classify as retryable.
		{"unrelated parenthesized digits", errors.New("CHECK constraint failed: attempts (5) exceeds budget (6)"), false},
		{"plain error", errors.New("no such table: webhook_events"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
