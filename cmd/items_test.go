package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadItemsFile_CSV(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bars.csv", "Name,Address,endpoint_portal\nBlue Bar, 1 Main St,https://portal.example/blue\nRed Bar,,\n")

	items, err := readItemsFile(path)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "Blue Bar", items[0].Name)
	require.Equal(t, "1 Main St", items[0].Address)
	require.Equal(t, "https://portal.example/blue", items[0].Endpoint("portal"))
	require.Nil(t, items[1].Endpoints)
}

func TestReadItemsFile_JSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bars.json", `[{"name":"Blue Bar","address":"1 Main St","endpoints":{"website":"https://blue.example"}}]`)

	items, err := readItemsFile(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "https://blue.example", items[0].Endpoint("website"))
}

func TestReadItemsFile_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "no name column", file: "a.csv", body: "venue,address\nx,y\n", want: "no name column"},
		{name: "blank name", file: "b.csv", body: "name\n \n", want: "item 1"},
		{name: "bad json", file: "c.json", body: "{", want: "decode json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := readItemsFile(writeFile(t, tc.file, tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}

	_, err := readItemsFile(filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorContains(t, err, "open items")
}
