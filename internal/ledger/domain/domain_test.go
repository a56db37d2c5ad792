package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectStatus_CanTransition(t *testing.T) {
	all := []ProjectStatus{ProjectFundraising, ProjectSuccessful, ProjectCompleted, ProjectCanceled}
	allowed := map[[2]ProjectStatus]bool{
		{ProjectFundraising, ProjectSuccessful}: true,
		{ProjectFundraising, ProjectCanceled}:   true,
		{ProjectSuccessful, ProjectCompleted}:   true,
		{ProjectSuccessful, ProjectCanceled}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]ProjectStatus{from, to}], from.CanTransition(to))
			})
		}
	}
}

func TestSupportLevelFor(t *testing.T) {
	tests := []struct {
		total int64
		want  SupportLevel
	}{
		{0, SupportLevelNone},
		{9_999, SupportLevelNone},
		{10_000, SupportLevelBronze},
		{49_999, SupportLevelBronze},
		{50_000, SupportLevelSilver},
		{100_000, SupportLevelGold},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SupportLevelFor(tt.total), "total=%d", tt.total)
	}
}

func TestJournal(t *testing.T) {
	user := *UserAccount("u1")
	project := *ProjectAccount("p1")
	platform := *CommissionAccount()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	j := NewJournal("b1")
	_, err := j.Batch(at)
	assert.Error(t, err, "empty journal")

	j.Label(SourceTypePledge, "pl1")
	require.NoError(t, j.Record(user, project, 60, "pledge"))
	require.NoError(t, j.Record(project, platform, 6, "commission"))
	assert.ErrorIs(t, j.Record(user, project, 0, ""), ErrValidation)
	assert.ErrorIs(t, j.Record(user, user, 5, ""), ErrValidation)
	assert.Equal(t, 4, j.Len())

	batch, err := j.Batch(at)
	require.NoError(t, err)
	require.NoError(t, batch.Validate())
	assert.Equal(t, SourceTypePledge, batch.SourceType)
	assert.Equal(t, "pl1", batch.SourceID)
	assert.Equal(t, int64(66), batch.TotalDebits)
	assert.Equal(t, "b1-001", batch.Entries[0].ID)
	assert.Equal(t, "b1-004", batch.Entries[3].ID)
	assert.Equal(t, at, batch.Entries[3].CreatedAt)
	assert.Equal(t, int64(-60), batch.NetChange(user))
	assert.Equal(t, int64(54), batch.NetChange(project))
	assert.Equal(t, int64(6), batch.NetChange(platform))

	batch.Entries[1].Amount = 50
	assert.Error(t, batch.Validate())
}

func TestJournal_UnlabeledIsAdjustment(t *testing.T) {
	j := NewJournal("b2")
	require.NoError(t, j.Record(ExternalAccount(ExternalGatewayID), *UserAccount("u1"), 10, ""))
	batch, err := j.Batch(time.Now())
	require.NoError(t, err)
	assert.Equal(t, SourceTypeAdjustment, batch.SourceType)
	assert.Equal(t, "b2", batch.SourceID)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("project p1: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("wrapped twice: %w", fmt.Errorf("inner: %w", ErrAlreadyApproved)), KindAlreadyApproved},
		{ErrBelowMinimum, KindBelowMinimum},
		{context.DeadlineExceeded, KindContention},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), tt.err.Error())
	}

	assert.True(t, IsRetryable(fmt.Errorf("tx: %w", ErrContention)))
	assert.False(t, IsRetryable(ErrInsufficientFunds))
}

func TestFloristReview_Validate(t *testing.T) {
	assert.NoError(t, FloristReview{Status: FloristApproved}.Validate())
	assert.NoError(t, FloristReview{Status: FloristRejected}.Validate())
	assert.ErrorIs(t, FloristReview{Status: FloristPending}.Validate(), ErrValidation)
}
