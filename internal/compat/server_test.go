package compat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/config"
	"github.com/spinnaker-tools/spalloc-server/internal/epoch"
	"github.com/spinnaker-tools/spalloc-server/internal/storage"
	"github.com/spinnaker-tools/spalloc-server/internal/version"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	svc       *Service
	allocator *storage.SQLiteAllocator
	epochs    *epoch.Tracker
}

func newTestServer(t *testing.T, poolSize int) *testServer {
	t.Helper()

	tracker := epoch.NewTracker()
	a, err := storage.NewSQLite(":memory:", tracker, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	err = a.AddMachine(context.Background(), storage.MachineDef{
		Name:     "m1",
		Width:    2,
		Height:   2,
		Tags:     []string{"default"},
		IPPrefix: "10.2",
	})
	if err != nil {
		t.Fatalf("AddMachine failed: %v", err)
	}

	cfg := config.Default().Compat
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ThreadPoolSize = poolSize
	cfg.ReadTimeout = config.Duration(100 * time.Millisecond)
	cfg.ShutdownTimeout = config.Duration(2 * time.Second)

	svc := New(cfg, a, tracker, alloc.Principal{Name: cfg.ServiceUser}, quietLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	return &testServer{svc: svc, allocator: a, epochs: tracker}
}

func (ts *testServer) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(ts.svc.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestVersionCommand(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	got, err := c.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if got != version.Version {
		t.Errorf("version = %q, want %q", got, version.Version)
	}
}

func TestCreateKeepaliveDestroy(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice", "keepalive": 60})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if id <= 0 {
		t.Fatalf("job id = %d, want positive", id)
	}

	raw, err := c.Call("job_keepalive", []any{id}, nil)
	if err != nil {
		t.Fatalf("job_keepalive failed: %v", err)
	}
	if string(raw) != "null" {
		t.Errorf("job_keepalive return = %s, want null", raw)
	}

	if _, err := c.Call("destroy_job", []any{id}, map[string]any{"reason": "done"}); err != nil {
		t.Fatalf("destroy_job failed: %v", err)
	}

	raw, err = c.Call("get_job_state", []any{id}, nil)
	if err != nil {
		t.Fatalf("get_job_state failed: %v", err)
	}
	var state struct {
		State  int    `json:"state"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.State != 4 {
		t.Errorf("state = %d, want 4 (destroyed)", state.State)
	}
	if state.Reason != "done" {
		t.Errorf("reason = %q, want done", state.Reason)
	}

	// Keepalive on a destroyed job is an error, not a crash.
	if _, err := c.Call("job_keepalive", []any{id}, nil); err == nil {
		t.Error("job_keepalive on destroyed job succeeded")
	} else if !strings.Contains(err.Error(), "no such job") {
		t.Errorf("error = %q, want no such job", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	_, err := c.Call("teleport", nil, nil)
	if err == nil {
		t.Fatal("teleport succeeded")
	}
	if err.Error() != "unknown command: teleport" {
		t.Errorf("error = %q, want %q", err.Error(), "unknown command: teleport")
	}

	// The session survives.
	if _, err := c.Version(); err != nil {
		t.Errorf("session dead after unknown command: %v", err)
	}
}

func TestBadInputs(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	tests := []struct {
		name    string
		command string
		args    []any
		kwargs  map[string]any
		want    string
	}{
		{
			name:    "create_job four args",
			command: "create_job",
			args:    []any{1, 2, 3, 4},
			kwargs:  map[string]any{"owner": "alice"},
			want:    "unsupported number of arguments",
		},
		{
			name:    "create_job no owner",
			command: "create_job",
			want:    "missing argument: owner",
		},
		{
			name:    "create_job non-printable owner",
			command: "create_job",
			kwargs:  map[string]any{"owner": "\tbad"},
			want:    "printable ASCII",
		},
		{
			name:    "create_job machine and tags",
			command: "create_job",
			kwargs:  map[string]any{"owner": "alice", "machine": "m1", "tags": []any{"default"}},
			want:    "mutually exclusive",
		},
		{
			name:    "create_job negative boards",
			command: "create_job",
			args:    []any{-1},
			kwargs:  map[string]any{"owner": "alice"},
			want:    "negative",
		},
		{
			name:    "where_is no selector",
			command: "where_is",
			want:    "specify a job_id or a machine",
		},
		{
			name:    "destroy_job missing id",
			command: "destroy_job",
			want:    "missing argument: 0",
		},
		{
			name:    "get_job_state no such job",
			command: "get_job_state",
			args:    []any{4711},
			want:    "no such job",
		},
		{
			name:    "where_is no such machine",
			command: "where_is",
			kwargs:  map[string]any{"machine": "mx", "chip_x": 0, "chip_y": 0},
			want:    "no such machine",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Call(tt.command, tt.args, tt.kwargs)
			if err == nil {
				t.Fatal("command succeeded, want exception")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.want)
			}
		})
	}

	// The session survives all of it.
	if _, err := c.Version(); err != nil {
		t.Errorf("session dead after bad inputs: %v", err)
	}
}

func TestFramingErrorKeepsSessionOpen(t *testing.T) {
	ts := newTestServer(t, 0)

	conn, err := net.Dial("tcp", ts.svc.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if _, ok := resp["exception"]; !ok {
		t.Fatalf("response = %q, want an exception", line)
	}

	// A missing command after a clean parse is also just an exception.
	if _, err := conn.Write([]byte(`{"args":[],"kwargs":{}}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(line, "exception") {
		t.Errorf("response = %q, want exception", line)
	}

	// Next command still works.
	if _, err := conn.Write([]byte(`{"command":"version","args":[],"kwargs":{}}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(line, "return") {
		t.Errorf("response = %q, want a return", line)
	}
}

func TestResponsesInOrder(t *testing.T) {
	ts := newTestServer(t, 0)

	conn, err := net.Dial("tcp", ts.svc.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Pipeline several commands in one write; replies must come back
	// FIFO, one line each.
	batch := `{"command":"version"}` + "\n" +
		`{"command":"teleport"}` + "\n" +
		`{"command":"list_machines"}` + "\n"
	if _, err := conn.Write([]byte(batch)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line1, _ := reader.ReadString('\n')
	if !strings.Contains(line1, "return") || !strings.Contains(line1, version.Version) {
		t.Errorf("first reply = %q, want version return", line1)
	}
	line2, _ := reader.ReadString('\n')
	if !strings.Contains(line2, "unknown command: teleport") {
		t.Errorf("second reply = %q, want teleport exception", line2)
	}
	line3, _ := reader.ReadString('\n')
	if !strings.Contains(line3, `"name":"m1"`) {
		t.Errorf("third reply = %q, want machine listing", line3)
	}
}

func TestNotifyJobFlow(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	raw, err := c.Call("notify_job", nil, nil)
	if err != nil {
		t.Fatalf("notify_job failed: %v", err)
	}
	if string(raw) != "null" {
		t.Errorf("notify_job return = %s, want null", raw)
	}

	// An allocator-side change, no command outstanding.
	job, err := ts.allocator.CreateJob(context.Background(), alloc.Principal{},
		alloc.CreateRequest{
			Owner:      "bob",
			Descriptor: alloc.NumBoards{Boards: 1},
			Keepalive:  time.Minute,
		})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	n, err := c.ReadNotification(5 * time.Second)
	if err != nil {
		t.Fatalf("ReadNotification failed: %v", err)
	}
	found := false
	for _, id := range n.JobsChanged {
		if id == job.ID() {
			found = true
		}
	}
	if !found {
		t.Errorf("jobs_changed = %v, want to include %d", n.JobsChanged, job.ID())
	}
}

func TestNotifySpecificJobFiltersOthers(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := c.Call("notify_job", []any{id}, nil); err != nil {
		t.Fatalf("notify_job failed: %v", err)
	}

	// Another job changing still wakes the epoch, but the filtered list
	// retains only the subscribed job.
	if _, err := ts.allocator.CreateJob(context.Background(), alloc.Principal{},
		alloc.CreateRequest{
			Owner:      "bob",
			Descriptor: alloc.NumBoards{Boards: 1},
			Keepalive:  time.Minute,
		}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	n, err := c.ReadNotification(5 * time.Second)
	if err != nil {
		t.Fatalf("ReadNotification failed: %v", err)
	}
	if len(n.JobsChanged) != 1 || n.JobsChanged[0] != id {
		t.Errorf("jobs_changed = %v, want [%d]", n.JobsChanged, id)
	}
}

func TestNotifyMachineFlow(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	if _, err := c.Call("notify_machine", nil, nil); err != nil {
		t.Fatalf("notify_machine failed: %v", err)
	}

	err := ts.allocator.AddMachine(context.Background(), storage.MachineDef{
		Name: "m2", Width: 1, Height: 1,
	})
	if err != nil {
		t.Fatalf("AddMachine failed: %v", err)
	}

	n, err := c.ReadNotification(5 * time.Second)
	if err != nil {
		t.Fatalf("ReadNotification failed: %v", err)
	}
	found := false
	for _, name := range n.MachinesChanged {
		if name == "m2" {
			found = true
		}
	}
	if !found {
		t.Errorf("machines_changed = %v, want to include m2", n.MachinesChanged)
	}
}

func TestWhereIsByJobChip(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	raw, err := c.Call("where_is", nil, map[string]any{
		"job_id": id, "chip_x": 1, "chip_y": 2,
	})
	if err != nil {
		t.Fatalf("where_is failed: %v", err)
	}

	var resp struct {
		Machine string `json:"machine"`
		Logical struct {
			X, Y, Z int
		} `json:"logical"`
		JobID   *int `json:"job_id"`
		JobChip *struct {
			X, Y int
		} `json:"job_chip"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal where_is: %v", err)
	}
	if resp.Machine != "m1" {
		t.Errorf("machine = %q, want m1", resp.Machine)
	}
	if resp.JobID == nil || *resp.JobID != id {
		t.Errorf("job_id = %v, want %d", resp.JobID, id)
	}
	if resp.JobChip == nil || resp.JobChip.X != 1 || resp.JobChip.Y != 2 {
		t.Errorf("job_chip = %v, want (1,2)", resp.JobChip)
	}
}

func TestWhereIsJobIDWinsOverMachine(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	raw, err := c.Call("where_is", nil, map[string]any{
		"job_id": id, "chip_x": 0, "chip_y": 0,
		"machine": "does-not-exist",
	})
	if err != nil {
		t.Fatalf("where_is failed: %v", err)
	}
	var resp struct {
		JobID *int `json:"job_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal where_is: %v", err)
	}
	if resp.JobID == nil || *resp.JobID != id {
		t.Errorf("job_id = %v, want %d (job_id should win)", resp.JobID, id)
	}
}

func TestPowerCommands(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if _, err := c.Call("power_off_job_boards", []any{id}, nil); err != nil {
		t.Fatalf("power_off_job_boards failed: %v", err)
	}
	raw, _ := c.Call("get_job_state", []any{id}, nil)
	var state struct {
		Power *bool `json:"power"`
	}
	json.Unmarshal(raw, &state)
	if state.Power == nil || *state.Power {
		t.Errorf("power = %v, want false", state.Power)
	}

	if _, err := c.Call("power_on_job_boards", []any{id}, nil); err != nil {
		t.Fatalf("power_on_job_boards failed: %v", err)
	}
	raw, _ = c.Call("get_job_state", []any{id}, nil)
	json.Unmarshal(raw, &state)
	if state.Power == nil || !*state.Power {
		t.Errorf("power = %v, want true", state.Power)
	}
}

func TestGetJobMachineInfo(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	raw, err := c.Call("get_job_machine_info", []any{id}, nil)
	if err != nil {
		t.Fatalf("get_job_machine_info failed: %v", err)
	}
	var info struct {
		Width       int     `json:"width"`
		Height      int     `json:"height"`
		MachineName string  `json:"machine_name"`
		Boards      [][]int `json:"boards"`
		Connections []any   `json:"connections"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("unmarshal machine info: %v", err)
	}
	if info.MachineName != "m1" {
		t.Errorf("machine_name = %q, want m1", info.MachineName)
	}
	if info.Width != 8 || info.Height != 8 {
		t.Errorf("size = %dx%d, want 8x8 for one board", info.Width, info.Height)
	}
	if len(info.Boards) != 1 {
		t.Errorf("boards = %v, want one entry", info.Boards)
	}
	if len(info.Connections) != 1 {
		t.Errorf("connections = %v, want one entry", info.Connections)
	}
}

func TestListJobsAndMachines(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	id, err := c.CreateJob(nil, map[string]any{"owner": "alice", "keepalive": 60})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	raw, err := c.Call("list_jobs", nil, nil)
	if err != nil {
		t.Fatalf("list_jobs failed: %v", err)
	}
	var jobs []struct {
		JobID         int            `json:"job_id"`
		Owner         string         `json:"owner"`
		State         int            `json:"state"`
		Keepalive     float64        `json:"keepalive"`
		Kwargs        map[string]any `json:"kwargs"`
		MachineName   string         `json:"allocated_machine_name"`
		Boards        [][]int        `json:"boards"`
		KeepaliveHost string         `json:"keepalivehost"`
	}
	if err := json.Unmarshal(raw, &jobs); err != nil {
		t.Fatalf("unmarshal list_jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].JobID != id || jobs[0].Owner != "alice" {
		t.Errorf("job = %+v, want id %d owner alice", jobs[0], id)
	}
	if jobs[0].State != 3 {
		t.Errorf("state = %d, want 3 (ready)", jobs[0].State)
	}
	if jobs[0].Keepalive != 60 {
		t.Errorf("keepalive = %v, want 60", jobs[0].Keepalive)
	}
	if jobs[0].Kwargs["owner"] != "alice" {
		t.Errorf("kwargs = %v, want original request kwargs", jobs[0].Kwargs)
	}
	if jobs[0].MachineName != "m1" {
		t.Errorf("allocated_machine_name = %q, want m1", jobs[0].MachineName)
	}

	raw, err = c.Call("list_machines", nil, nil)
	if err != nil {
		t.Fatalf("list_machines failed: %v", err)
	}
	var machines []struct {
		Name   string   `json:"name"`
		Tags   []string `json:"tags"`
		Width  int      `json:"width"`
		Height int      `json:"height"`
	}
	if err := json.Unmarshal(raw, &machines); err != nil {
		t.Fatalf("unmarshal list_machines: %v", err)
	}
	if len(machines) != 1 || machines[0].Name != "m1" {
		t.Fatalf("machines = %+v, want [m1]", machines)
	}
	if machines[0].Width != 2 || machines[0].Height != 2 {
		t.Errorf("size = %dx%d, want 2x2", machines[0].Width, machines[0].Height)
	}
}

func TestBoardPositionLookups(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	raw, err := c.Call("get_board_position", nil, map[string]any{
		"machine_name": "m1", "x": 0, "y": 0, "z": 1,
	})
	if err != nil {
		t.Fatalf("get_board_position failed: %v", err)
	}
	var phys []int
	if err := json.Unmarshal(raw, &phys); err != nil {
		t.Fatalf("unmarshal position: %v", err)
	}
	if len(phys) != 3 {
		t.Fatalf("position = %v, want [cabinet frame board]", phys)
	}

	raw, err = c.Call("get_board_at_position", nil, map[string]any{
		"machine_name": "m1", "x": phys[0], "y": phys[1], "z": phys[2],
	})
	if err != nil {
		t.Fatalf("get_board_at_position failed: %v", err)
	}
	var logical []int
	if err := json.Unmarshal(raw, &logical); err != nil {
		t.Fatalf("unmarshal logical: %v", err)
	}
	want := []int{0, 0, 1}
	for i := range want {
		if logical[i] != want[i] {
			t.Fatalf("logical = %v, want %v", logical, want)
		}
	}
}

func TestBoundedExecutorServesClients(t *testing.T) {
	ts := newTestServer(t, 2)

	// More clients than workers; with two pool workers the third client
	// queues until a slot frees.
	first := ts.dial(t)
	second := ts.dial(t)
	if _, err := first.Version(); err != nil {
		t.Fatalf("first client failed: %v", err)
	}
	if _, err := second.Version(); err != nil {
		t.Fatalf("second client failed: %v", err)
	}

	first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		third := ts.dial(t)
		if _, err := third.Version(); err == nil {
			break
		}
		third.Close()
		if time.Now().After(deadline) {
			t.Fatal("third client never served after slot freed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestShutdownStopsSessionsAndNotifiers(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	if _, err := c.Call("notify_job", nil, nil); err != nil {
		t.Fatalf("notify_job failed: %v", err)
	}

	start := time.Now()
	if err := ts.svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Stop took %v, want within the shutdown grace", elapsed)
	}

	// The client's connection is gone.
	if _, err := c.Version(); err == nil {
		t.Error("client call succeeded after shutdown")
	}
}
