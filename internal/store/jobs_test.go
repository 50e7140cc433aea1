package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobFilterWhere(t *testing.T) {
	subject := int64(42)
	f := JobFilter{
		TypePrefix: "analyze",
		Statuses:   []string{"done", "error"},
		SubjectID:  &subject,
		Before:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	where, args := f.where()
	assert.Equal(t, "TRUE AND type LIKE $1 || '%' AND status = ANY($2) AND subject_id = $3 AND created_at < $4", where)
	assert.Len(t, args, 4)
	assert.Equal(t, "analyze", args[0])
	assert.Equal(t, subject, args[2])
}

func TestJobFilterWhereEmpty(t *testing.T) {
	where, args := JobFilter{}.where()
	assert.Equal(t, "TRUE", where)
	assert.Empty(t, args)
}
