package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "snapshots/voice/owners.json", SnapshotKey("voice", "owners"))
	assert.Equal(t, "snapshots/mutes.json", SnapshotKey("", "mutes"))
}
