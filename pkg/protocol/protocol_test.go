package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFrameWireFormat(t *testing.T) {
	raw, err := json.Marshal(Execute("print('hi')"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"execute","code":"print('hi')"}`, string(raw))

	raw, err = json.Marshal(StopExecution())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"stop_execution"}`, string(raw))

	raw, err = json.Marshal(RestartKernel())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"restart_kernel"}`, string(raw))
}

func TestServerFrameText(t *testing.T) {
	var f ServerFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"stream","content":"hi\n"}`), &f))
	assert.Equal(t, "hi\n", f.Text())
	assert.False(t, f.IsTerminal())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"filesystem_update"}`), &f))
	assert.Equal(t, "", f.Text())

	assert.True(t, TextFrame(FrameStderr, "boom").IsTerminal())
}

func TestServerFrameStats(t *testing.T) {
	var f ServerFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"resource_stats","content":{"cpu_percent":12.5,"ram_usage":64,"ram_limit":256}}`), &f))
	stats, err := f.ResourceStats()
	require.NoError(t, err)
	assert.Equal(t, ResourceStats{CPUPercent: 12.5, RAMUsage: 64, RAMLimit: 256}, stats)

	disk, err := ObjectFrame(FrameDiskStats, DiskStats{DiskUsage: 3, DiskLimit: 1024})
	require.NoError(t, err)
	ds, err := disk.DiskStats()
	require.NoError(t, err)
	assert.Equal(t, 1024.0, ds.DiskLimit)

	_, err = TextFrame(FrameResourceStats, "nope").ResourceStats()
	assert.Error(t, err)
}
