package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGranularityTracksPagesAboveLimit(t *testing.T) {
	require.Len(t, newPageGranularity(1024, 4096).pages, 4)
	require.Len(t, newPageGranularity(1024, 4097).pages, 5)
	require.Nil(t, newPageGranularity(128, 1024).pages)
}

var conflictTestCases = map[string]struct {
	First    suballocationType
	Second   suballocationType
	Conflict bool
}{
	"Frees Dont Conflict":                    {suballocationFree, suballocationFree, false},
	"Unknowns Conflict":                      {suballocationUnknown, suballocationUnknown, true},
	"Free Doesnt Conflict With Unknown":      {suballocationUnknown, suballocationFree, false},
	"Buffer Doesnt Conflict With Linear":     {suballocationBuffer, suballocationImageLinear, false},
	"Buffer Conflicts With Unknown Image":    {suballocationImageUnknown, suballocationBuffer, true},
	"Buffer Conflicts With Optimal Image":    {suballocationBuffer, suballocationImageOptimal, true},
	"Buffers Dont Conflict":                  {suballocationBuffer, suballocationBuffer, false},
	"Linear Conflicts With Optimal":          {suballocationImageOptimal, suballocationImageLinear, true},
	"Optimal Images Dont Conflict":           {suballocationImageOptimal, suballocationImageOptimal, false},
	"Unknown Image Conflicts With Linear":    {suballocationImageLinear, suballocationImageUnknown, true},
	"Unknown Conflicts With Everything Else": {suballocationUnknown, suballocationImageLinear, true},
}

func TestGranularityConflicts(t *testing.T) {
	granularity := newPageGranularity(1024, 4096)

	for name, testCase := range conflictTestCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Conflict, granularity.AllocationsConflict(testCase.First, testCase.Second))
			require.Equal(t, testCase.Conflict, granularity.AllocationsConflict(testCase.Second, testCase.First))
		})
	}
}

func TestGranularityRoundsUpLowGranularity(t *testing.T) {
	granularity := newPageGranularity(256, 4096)

	size, alignment := granularity.RoundUpAllocRequest(suballocationImageOptimal, 100, 16)
	require.Equal(t, 256, size)
	require.Equal(t, uint(256), alignment)

	size, alignment = granularity.RoundUpAllocRequest(suballocationBuffer, 100, 16)
	require.Equal(t, 100, size)
	require.Equal(t, uint(16), alignment)
}

func TestGranularityPageConflict(t *testing.T) {
	granularity := newPageGranularity(1024, 4096)

	granularity.AllocPages(suballocationBuffer, 0, 512)

	require.True(t, granularity.Conflicts(suballocationImageOptimal, 512, 256))
	require.False(t, granularity.Conflicts(suballocationImageOptimal, 1024, 256))
	require.False(t, granularity.Conflicts(suballocationBuffer, 512, 256))
	require.False(t, granularity.Conflicts(suballocationImageLinear, 512, 256))
	require.True(t, granularity.Conflicts(suballocationImageOptimal, 768, 1024))

	granularity.FreePages(0, 512)
	require.False(t, granularity.Conflicts(suballocationImageOptimal, 512, 256))
}

func TestGranularityLowGranularityNeverConflicts(t *testing.T) {
	granularity := newPageGranularity(256, 4096)

	granularity.AllocPages(suballocationBuffer, 0, 128)
	require.False(t, granularity.Conflicts(suballocationImageOptimal, 128, 128))
}

func TestGranularityValidation(t *testing.T) {
	granularity := newPageGranularity(1024, 4096)
	granularity.AllocPages(suballocationBuffer, 0, 2048)

	ctx := granularity.StartValidation()
	require.NoError(t, granularity.Validate(ctx, 0, 2048))
	require.NoError(t, granularity.FinishValidation(ctx))

	ctx = granularity.StartValidation()
	require.NoError(t, granularity.Validate(ctx, 0, 512))
	require.Error(t, granularity.FinishValidation(ctx))
}
