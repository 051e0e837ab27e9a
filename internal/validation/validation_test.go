package validation

import (
	"strings"
	"testing"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cleanRequest struct {
	State string `json:"state" validate:"omitempty,oneof=completed failed"`
	Limit int    `json:"limit" validate:"gte=0,lte=1000"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(&cleanRequest{State: "failed", Limit: 10}))

	err := Struct(&cleanRequest{State: "active", Limit: -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrValidation)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.Equal(t, "state", verrs[0].Field)
	assert.Equal(t, "must be one of: completed, failed", verrs[0].Message)
	assert.Equal(t, "limit", verrs[1].Field)
	assert.Equal(t, "must be at least 0", verrs[1].Message)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    cleanRequest
	}{
		{name: "empty body", body: "", want: cleanRequest{}},
		{name: "valid", body: `{"state":"completed","limit":5}`, want: cleanRequest{State: "completed", Limit: 5}},
		{name: "malformed", body: `{"state":`, wantErr: true},
		{name: "unknown field", body: `{"status":"x"}`, wantErr: true},
		{name: "fails tags", body: `{"limit":5000}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req cleanRequest
			err := DecodeJSON(strings.NewReader(tt.body), &req)
			if tt.wantErr {
				assert.True(t, common.IsValidation(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req)
		})
	}
}
