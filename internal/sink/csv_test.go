package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		ChainID:         1,
		ContractName:    "Counter",
		ContractAddress: "0x0000000000000000000000000000000000000001",
		EventName:       "Increment",
		TransactionHash: "0xdead",
		BlockNumber:     2,
		LogIndex:        1,
		Params:          map[string]interface{}{"by": uint64(3)},
	}
}

func TestCSVSinkWritesHeaderAndRow(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(sampleRecord()))

	rows := readCSV(t, filepath.Join(dir, "Counter_Increment.csv"))
	require.Len(t, rows, 2, "header + one row")

	header := rows[0]
	byIdx := indexOf(header, "by")
	require.GreaterOrEqual(t, byIdx, 0)
	require.Equal(t, "3", rows[1][byIdx])
	require.Equal(t, "Increment", rows[1][indexOf(header, "event_name")])
	require.Equal(t, "Counter", rows[1][indexOf(header, "contract_name")])
}

func TestCSVSinkSeparatesFilesPerContractAndEvent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(sampleRecord()))
	other := sampleRecord()
	other.ContractName = "Token"
	other.EventName = "Transfer"
	require.NoError(t, s.Write(other))

	require.FileExists(t, filepath.Join(dir, "Counter_Increment.csv"))
	require.FileExists(t, filepath.Join(dir, "Token_Transfer.csv"))
}

func TestCSVSinkAppendsAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(sampleRecord()))
	second := sampleRecord()
	second.BlockNumber = 3
	require.NoError(t, s.Write(second))

	rows := readCSV(t, filepath.Join(dir, "Counter_Increment.csv"))
	require.Len(t, rows, 3, "header + two rows")
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}
