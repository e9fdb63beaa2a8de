package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/mxu/internal/events"
	"github.com/xfeldman/mxu/internal/logstore"
)

// TestHelperProcess is the agent child used by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	args = args[1:]

	switch args[0] {
	case "echo":
		fmt.Fprint(os.Stdout, "hello\r\n")
		fmt.Fprintln(os.Stderr, "warn")
		os.Stdout.Write([]byte{0xff, 'x', '\n'})
		fmt.Println("id=" + args[len(args)-1])
		fmt.Println("utf8=" + os.Getenv("PYTHONUTF8"))
		os.Exit(0)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

type collector struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (c *collector) Emit(name string, payload any) {
	p := payload.(events.AgentOutputPayload)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines == nil {
		c.lines = map[string][]string{}
	}
	c.lines[p.Stream] = append(c.lines[p.Stream], p.Line)
}

func (c *collector) get(stream string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines[stream]...)
}

func helperConfig(mode string) Config {
	return Config{
		ChildExec: os.Args[0],
		ChildArgs: []string{"-test.run=TestHelperProcess", "--", mode},
	}
}

func TestSpawnDrainsOutput(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	store := logstore.NewStore(t.TempDir())
	defer store.CloseAll()
	il := store.GetOrCreate("inst-1")
	col := &collector{}

	p, err := Spawn(helperConfig("echo"), "sock-42", Options{InstanceID: "inst-1", Log: il, Emitter: col})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not exit")
	}
	assert.NoError(t, p.ExitErr())

	assert.Equal(t, []string{"hello", "�x", "id=sock-42", "utf8=1"}, col.get("stdout"))
	assert.Equal(t, []string{"warn"}, col.get("stderr"))

	var system int
	for _, e := range il.Read(time.Time{}, 0) {
		if e.Stream == logstore.StreamSystem {
			system++
		}
	}
	assert.Equal(t, 2, system, "start and exit notices")
}

func TestStopKillsChild(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	p, err := Spawn(helperConfig("sleep"), "sock", Options{InstanceID: "inst-2"})
	require.NoError(t, err)
	assert.False(t, p.Exited())

	p.Stop()
	assert.True(t, p.Exited())
	assert.Error(t, p.ExitErr())

	p.Stop() // second stop is a no-op
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(Config{ChildExec: "definitely-not-a-real-agent-binary"}, "x", Options{})
	assert.Error(t, err)

	_, err = Spawn(Config{}, "x", Options{})
	assert.Error(t, err)
}

func TestResolveExec(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "agent.py")
	require.NoError(t, os.WriteFile(local, []byte("#"), 0755))

	assert.Equal(t, local, ResolveExec(dir, "agent.py"))
	assert.Equal(t, "python", ResolveExec(dir, "python"))
	assert.Equal(t, "/usr/bin/python3", ResolveExec(dir, "/usr/bin/python3"))
	assert.Equal(t, "agent.py", ResolveExec("", "agent.py"))
}
