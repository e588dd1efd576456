// ABOUTME: Tests for attempt log sinks and the JSONL reader
// ABOUTME: Covers record format, directory creation, concurrent appends, Tee, and reading back

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_RecordFormat(t *testing.T) {
	path := Path(t.TempDir())
	sink := NewFileSink(path)
	defer sink.Close()

	ts := time.Date(2026, 10, 14, 9, 12, 3, 48211000, time.UTC)
	err := sink.Append(context.Background(), Attempt{
		Time:     ts,
		Remote:   "10.0.0.7",
		DeviceID: "dev1",
		Pubkey:   "a2V5<&>",
		Status:   StatusOK,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := string(data)
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Equal(t,
		`{"ts":"2026-10-14T09:12:03.048211Z","remote":"10.0.0.7","device_id":"dev1","pubkey":"a2V5<&>","status":"ok"}`+"\n",
		line)
}

func TestFileSink_CreatesParentDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deep", "data")
	path := Path(dir)
	sink := NewFileSink(path)
	defer sink.Close()

	require.NoError(t, sink.Append(context.Background(), Attempt{Time: time.Now(), Status: Deny("timeout")}))

	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "navivox", "attempts.jsonl"), path)
}

func TestFileSink_AppendsAcrossReopen(t *testing.T) {
	path := Path(t.TempDir())

	first := NewFileSink(path)
	require.NoError(t, first.Append(context.Background(), Attempt{Time: time.Now(), DeviceID: "a", Status: StatusOK}))
	require.NoError(t, first.Close())

	second := NewFileSink(path)
	require.NoError(t, second.Append(context.Background(), Attempt{Time: time.Now(), DeviceID: "b", Status: StatusOK}))
	require.NoError(t, second.Close())

	attempts, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "a", attempts[0].DeviceID)
	assert.Equal(t, "b", attempts[1].DeviceID)
}

func TestFileSink_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := Path(t.TempDir())
	sink := NewFileSink(path)
	defer sink.Close()

	const writers = 50
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = sink.Append(context.Background(), Attempt{
					Time:     time.Now(),
					Remote:   "127.0.0.1",
					DeviceID: fmt.Sprintf("dev-%d-%d", w, i),
					Pubkey:   strings.Repeat("k", 200),
					Status:   Deny("bad_signature"),
				})
			}
		}(w)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, writers*perWriter)
	for _, line := range lines {
		var rec map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "corrupt line: %q", line)
		assert.Equal(t, "deny:bad_signature", rec["status"])
	}
}

func TestFileSink_Closed(t *testing.T) {
	sink := NewFileSink(Path(t.TempDir()))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err := sink.Append(context.Background(), Attempt{Time: time.Now(), Status: StatusOK})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileSink_UnwritableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	sink := NewFileSink(filepath.Join(blocker, "navivox", "attempts.jsonl"))
	defer sink.Close()

	err := sink.Append(context.Background(), Attempt{Time: time.Now(), Status: StatusOK})
	assert.Error(t, err)
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Append(context.Background(), Attempt{DeviceID: "a"}))
	require.NoError(t, sink.Append(context.Background(), Attempt{DeviceID: "b"}))

	assert.Equal(t, 2, sink.Count())
	got := sink.Attempts()
	got[0].DeviceID = "mutated"
	assert.Equal(t, "a", sink.Attempts()[0].DeviceID)
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, Attempt) error { return f.err }

func TestTee(t *testing.T) {
	mem := NewMemorySink()
	boom := errors.New("boom")

	err := Tee(failingSink{err: boom}, mem).Append(context.Background(), Attempt{DeviceID: "a"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, mem.Count(), "later sinks still receive the attempt")

	assert.NoError(t, Tee(mem).Append(context.Background(), Attempt{DeviceID: "b"}))
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusOK.OK())
	assert.Equal(t, "", StatusOK.Reason())

	deny := Deny("pubkey_mismatch")
	assert.Equal(t, Status("deny:pubkey_mismatch"), deny)
	assert.False(t, deny.OK())
	assert.Equal(t, "pubkey_mismatch", deny.Reason())
}

func TestRead(t *testing.T) {
	input := `{"ts":"2026-10-14T09:12:03.048211Z","remote":"10.0.0.7","device_id":"dev1","pubkey":"k","status":"ok"}

{"ts":"2026-10-14T09:12:04.000000Z","remote":"10.0.0.8","device_id":"","pubkey":"","status":"deny:invalid_hello"}
`
	attempts, err := Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, "dev1", attempts[0].DeviceID)
	assert.Equal(t, StatusOK, attempts[0].Status)
	assert.Equal(t, 48211000, attempts[0].Time.Nanosecond())
	assert.Equal(t, "invalid_hello", attempts[1].Status.Reason())
}

func TestRead_Malformed(t *testing.T) {
	_, err := Read(strings.NewReader("{\"ts\":\"2026-10-14T09:12:03Z\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadFile_Missing(t *testing.T) {
	attempts, err := ReadFile(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
