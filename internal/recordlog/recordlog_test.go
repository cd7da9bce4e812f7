package recordlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gossipnet/internal/membership"
	"gossipnet/internal/wire"
)

var (
	origin = membership.MustParseAddress("127.0.0.1:5001")
	sender = membership.MustParseAddress("127.0.0.1:5002")
)

func TestAppend_OneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, l.Append(wire.NewApplicationGossip([]byte("hello"), origin, ts), sender))
	require.NoError(t, l.Append(wire.NewApplicationGossip([]byte("world"), origin, ts), sender))
	require.NoError(t, l.Close())

	var records []Record
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 2)

	assert.Equal(t, "received", records[0].Event)
	assert.Equal(t, "hello", records[0].Payload)
	assert.Equal(t, origin.String(), records[0].Origin)
	assert.Equal(t, sender.String(), records[0].From)
	assert.True(t, records[0].SentAt.Equal(ts))
	assert.Len(t, records[0].Fingerprint, 64)
	assert.NotEqual(t, records[0].Fingerprint, records[1].Fingerprint)
}

func TestOpen_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.log")

	for i := 0; i < 2; i++ {
		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Append(wire.NewApplicationGossip([]byte("x"), origin, time.Now()), sender))
		require.NoError(t, l.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "records.log"))
	assert.Error(t, err)
}
