package editor

import (
	"encoding/json"
	"testing"

	"wcsync/internal/delta"
	"wcsync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driveSample(t *testing.T, ed Editor) {
	t.Helper()
	require.NoError(t, ed.TargetRevision(7))
	require.NoError(t, ed.OpenRoot(6))
	require.NoError(t, ed.DeleteEntry("old.txt", 6))
	require.NoError(t, ed.AddDir("src", "", -1))
	require.NoError(t, ed.ChangeDirProperty("wc:ignore", String("*.o")))
	require.NoError(t, ed.AddFile("src/main.c", "", -1))
	_, err := SendText(ed, "src/main.c", nil, []byte("int main() {}\n"), "")
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile("src/main.c", delta.Checksum([]byte("int main() {}\n"))))
	require.NoError(t, ed.CloseDir())
	require.NoError(t, ed.OpenFile("README", 6))
	require.NoError(t, ed.ChangeFileProperty("README", "mime-type", nil))
	require.NoError(t, ed.CloseFile("README", ""))
	require.NoError(t, ed.CloseDir())
}

func TestCheckerBalance(t *testing.T) {
	c := NewChecker(nil)
	driveSample(t, c)
	_, err := c.CloseEdit()
	require.NoError(t, err)

	counts := c.Counts()
	assert.Equal(t, counts.DirsOpened, counts.DirsClosed)
	assert.Equal(t, counts.FilesOpened, counts.FilesClosed)
	assert.Equal(t, 0, c.Depth())
	assert.True(t, c.Closed())
}

func TestCheckerViolations(t *testing.T) {
	tests := []struct {
		name  string
		drive func(c *Checker) error
	}{
		{"delete before root", func(c *Checker) error {
			return c.DeleteEntry("a", 1)
		}},
		{"open root twice", func(c *Checker) error {
			c.OpenRoot(1)
			return c.OpenRoot(1)
		}},
		{"target revision after root", func(c *Checker) error {
			c.OpenRoot(1)
			return c.TargetRevision(2)
		}},
		{"sibling interleaving", func(c *Checker) error {
			c.OpenRoot(1)
			c.OpenDir("a", 1)
			return c.OpenDir("b", 1)
		}},
		{"two open files", func(c *Checker) error {
			c.OpenRoot(1)
			c.OpenFile("a", 1)
			return c.OpenFile("b", 1)
		}},
		{"window outside delta", func(c *Checker) error {
			c.OpenRoot(1)
			c.OpenFile("a", 1)
			_, err := c.TextDeltaChunk("a", delta.Window{})
			return err
		}},
		{"close file during delta", func(c *Checker) error {
			c.OpenRoot(1)
			c.OpenFile("a", 1)
			c.ApplyTextDelta("a", "")
			return c.CloseFile("a", "")
		}},
		{"close edit with open frames", func(c *Checker) error {
			c.OpenRoot(1)
			c.OpenDir("a", 1)
			_, err := c.CloseEdit()
			return err
		}},
		{"close dir with open file", func(c *Checker) error {
			c.OpenRoot(1)
			c.AddFile("a", "", -1)
			return c.CloseDir()
		}},
		{"abort after close", func(c *Checker) error {
			c.OpenRoot(1)
			c.CloseDir()
			c.CloseEdit()
			return c.AbortEdit()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.drive(NewChecker(nil))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrorTypeProtocol))
		})
	}
}

func TestCheckerAbort(t *testing.T) {
	c := NewChecker(nil)
	require.NoError(t, c.OpenRoot(1))
	require.NoError(t, c.OpenDir("a", 1))
	require.NoError(t, c.AbortEdit())
	assert.True(t, c.Aborted())
	assert.NoError(t, c.AbortEdit())
}

func TestRecorderReplay(t *testing.T) {
	rec := NewRecorder(nil)
	driveSample(t, rec)
	_, err := rec.CloseEdit()
	require.NoError(t, err)

	data, err := json.Marshal(rec.Calls())
	require.NoError(t, err)
	var calls []Call
	require.NoError(t, json.Unmarshal(data, &calls))

	checker := NewChecker(nil)
	replayed := NewRecorder(checker)
	_, err = Replay(calls, replayed)
	require.NoError(t, err)

	assert.Equal(t, rec.Ops(), replayed.Ops())
	assert.True(t, checker.Closed())
	assert.Equal(t, 1, checker.Counts().Windows)
}

func TestReplayAbortsOnError(t *testing.T) {
	calls := []Call{
		{Op: OpOpenRoot, Rev: 1},
		{Op: OpCloseFile, Path: "nope"},
	}
	checker := NewChecker(nil)
	_, err := Replay(calls, checker)
	require.Error(t, err)
	assert.True(t, checker.Aborted())
}
