package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy text", err: errors.New("SQLITE_BUSY: cannot commit"), want: true},
		{name: "locked text", err: fmt.Errorf("insert message: %w", errors.New("database is locked (5)")), want: true},
		{name: "constraint", err: errors.New("UNIQUE constraint failed"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSQLiteConflictError(tt.err))
		})
	}
}
