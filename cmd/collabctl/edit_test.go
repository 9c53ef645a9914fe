package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardroom/collab/internal/collab"
	"github.com/boardroom/collab/internal/document"
	"github.com/boardroom/collab/internal/transport"
)

func offlineClient(t *testing.T) *collab.Client {
	t.Helper()
	c, err := collab.New(collab.Config{UserID: "amy"}, transport.WSDialer{}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEdit_LinesApplyLocally(t *testing.T) {
	c := offlineClient(t)
	var out bytes.Buffer
	in := strings.NewReader("i 0 hello world\nd 5 6\nshow\nbogus\nquit\ni 0 never\n")

	require.NoError(t, edit(context.Background(), c, "d1", document.ModeOT, in, &out))

	content, err := c.Documents.Content("d1")
	require.NoError(t, err)
	assert.Equal(t, "hello", content, "lines after quit are not run")
	assert.Contains(t, out.String(), "2 pending")
	assert.Contains(t, out.String(), "error: unrecognized command")
}

func TestRunLine_BadArguments(t *testing.T) {
	c := offlineClient(t)
	require.NoError(t, c.Documents.Open(context.Background(), "d1", "d1", document.ModeOT))
	var out bytes.Buffer
	for _, line := range []string{"i x hi", "i 3", "d 1", "d a b"} {
		_, err := runLine(c, "d1", line, &out)
		assert.ErrorIs(t, err, errUsage, line)
	}
}
