package payload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResources(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Resources
	}{
		{
			name: "full request",
			text: `default FIRST_RESOURCES {"cores":[4,"cores"],"gpus":[1,"gpus"],"memory":[2048,"MB"],"disk":[100,"MB"]}`,
			want: Resources{Cores: 4, GPUs: 1, MemoryMB: 2048, DiskMB: 100},
		},
		{
			name: "zero cores means one",
			text: `cat FIRST_RESOURCES {"cores":[0,"cores"],"memory":[10,"MB"]}`,
			want: Resources{Cores: 1, MemoryMB: 10},
		},
		{
			name: "no fields",
			text: `cat FIRST_RESOURCES {}`,
			want: Resources{Cores: 1},
		},
		{
			name: "bare numbers",
			text: `{"cores":2,"disk":5}`,
			want: Resources{Cores: 2, DiskMB: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResources(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResources_NoPayload(t *testing.T) {
	got, err := ParseResources("category FIRST_RESOURCES")
	assert.ErrorIs(t, err, ErrNoPayload)
	assert.Equal(t, 1, got.Cores)
}

func TestParseResources_Invalid(t *testing.T) {
	_, err := ParseResources(`cat {"cores":[1,`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Invalid)
}

func TestParseCommit(t *testing.T) {
	text := `worker-abc FIRST_RESOURCES {"time_commit_start":[1.5,"s"],"time_commit_end":[2.25,"s"],"size_input_mgr":[3,"MB"],"cores":[2,"cores"]}`
	got, err := ParseCommit(text)
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.TimeCommitStart)
	assert.Equal(t, 2.25, got.TimeCommitEnd)
	assert.Equal(t, 3.0, got.SizeInputMgr)
	assert.Equal(t, 2, got.Cores)
}

func TestParseCommit_MissingFieldsArePartial(t *testing.T) {
	got, err := ParseCommit(`w {"time_commit_start":[7,"s"]}`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"time_commit_end", "size_input_mgr"}, pe.Missing)
	assert.Equal(t, 7.0, got.TimeCommitStart)
}

func TestParseRetrieval(t *testing.T) {
	got, err := ParseRetrieval(`SUCCESS 0 {"time_worker_start":[10,"s"],"time_worker_end":[12.5,"s"],"size_output_mgr":[1,"MB"]}`)
	require.NoError(t, err)
	assert.Equal(t, Retrieval{TimeWorkerStart: 10, TimeWorkerEnd: 12.5, SizeOutputMgr: 1}, got)

	_, err = ParseRetrieval(`SUCCESS 0 {"size_output_mgr":[1,"MB"]}`)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"time_worker_start", "time_worker_end"}, pe.Missing)
}

func TestParseCapacity(t *testing.T) {
	got, err := ParseCapacity(`{"cores":[8,"cores"],"memory":[16000,"MB"],"disk":[50000,"MB"],"gpus":[0,"gpus"]}`)
	require.NoError(t, err)
	assert.Equal(t, Capacity{Cores: 8, MemoryMB: 16000, DiskMB: 50000}, got)
}

func TestParseCapacity_OutOfRangeCores(t *testing.T) {
	for _, payload := range []string{
		`{"cores":[-4,"cores"],"memory":[100,"MB"]}`,
		`{"cores":[1e300,"cores"]}`,
		`{"cores":[70000,"cores"]}`,
	} {
		got, err := ParseCapacity(payload)
		var pe *ParseError
		require.True(t, errors.As(err, &pe), payload)
		assert.Equal(t, []string{"cores"}, pe.OutOfRange, payload)
		assert.Equal(t, 0, got.Cores, payload)
	}
}

func TestParseResources_NegativeCoresDefaultsToOne(t *testing.T) {
	got, err := ParseResources(`{"cores":[-2,"cores"],"gpus":[-1,"gpus"]}`)
	require.Error(t, err)
	assert.Equal(t, 1, got.Cores)
	assert.Equal(t, 0, got.GPUs)
	assert.Equal(t, "payload out of range cores,gpus", err.Error())
}

func TestParseErrorMessage(t *testing.T) {
	err := &ParseError{Missing: []string{"a", "b"}}
	assert.Equal(t, "payload missing a,b", err.Error())
}
