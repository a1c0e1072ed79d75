package job

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func Test_UpdateQuery_PersistsRewrittenIdentityKey(t *testing.T) {
	store := NewStore(nil)
	j := &Job{
		ID:          uuid.New(),
		SourceRef:   "clip.mp4",
		IdentityKey: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		InputPath:   "/tmp/in.mp4",
		Status:      Downloading,
		UpdatedAt:   time.Now(),
	}

	sqlStr, args, err := store.updateQuery(j).ToSql()
	assert.NoError(t, err)
	assert.Contains(t, sqlStr, "identity_key = ")
	assert.Contains(t, args, j.IdentityKey)
}
