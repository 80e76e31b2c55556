package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Status("queued").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPriority, ParseTier("priority"))
	assert.Equal(t, TierStandard, ParseTier("standard"))
	assert.Equal(t, TierStandard, ParseTier(""))
	assert.Equal(t, TierStandard, ParseTier("gold"))
}

func TestCanRetry(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"failed with attempts left", Job{Status: StatusFailed, Attempts: 1, MaxAttempts: 3}, true},
		{"failed out of attempts", Job{Status: StatusFailed, Attempts: 3, MaxAttempts: 3}, false},
		{"pending", Job{Status: StatusPending, Attempts: 0, MaxAttempts: 3}, false},
		{"completed", Job{Status: StatusCompleted, Attempts: 1, MaxAttempts: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.CanRetry())
		})
	}
}

func TestArtifactExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&Job{}).ArtifactExpired(now))
	assert.False(t, (&Job{ExpiresAt: &future}).ArtifactExpired(now))
	assert.True(t, (&Job{ExpiresAt: &past}).ArtifactExpired(now))
}
