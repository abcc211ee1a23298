package compat

import (
	"context"
	"fmt"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/protocol"
	"github.com/spinnaker-tools/spalloc-server/internal/version"
)

// handlerFunc is one protocol command. Whatever it returns is wrapped in
// a return line; whatever it fails with becomes an exception line.
type handlerFunc func(ctx context.Context, s *session, cmd *protocol.Command) (any, error)

var handlers = map[string]handlerFunc{
	"version":               handleVersion,
	"create_job":            handleCreateJob,
	"destroy_job":           handleDestroyJob,
	"get_board_at_position": handleGetBoardAtPosition,
	"get_board_position":    handleGetBoardPosition,
	"get_job_machine_info":  handleGetJobMachineInfo,
	"get_job_state":         handleGetJobState,
	"job_keepalive":         handleJobKeepalive,
	"list_jobs":             handleListJobs,
	"list_machines":         handleListMachines,
	"notify_job":            handleNotifyJob,
	"no_notify_job":         handleNoNotifyJob,
	"notify_machine":        handleNotifyMachine,
	"no_notify_machine":     handleNoNotifyMachine,
	"power_on_job_boards":   handlePowerOnJobBoards,
	"power_off_job_boards":  handlePowerOffJobBoards,
	"where_is":              handleWhereIs,
}

func (s *session) dispatch(ctx context.Context, cmd *protocol.Command) (any, error) {
	h, ok := handlers[cmd.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", cmd.Command)
	}
	return h(ctx, s, cmd)
}

// Wire shapes. Every emitted property is snake_case.

type wireXY struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type wireXYZ struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

type wirePhysical struct {
	Cabinet int `json:"cabinet"`
	Frame   int `json:"frame"`
	Board   int `json:"board"`
}

type whereIsResponse struct {
	Machine   string       `json:"machine"`
	Logical   wireXYZ      `json:"logical"`
	Physical  wirePhysical `json:"physical"`
	Chip      wireXY       `json:"chip"`
	BoardChip wireXY       `json:"board_chip"`
	JobID     *int         `json:"job_id"`
	JobChip   *wireXY      `json:"job_chip"`
}

type jobStateResponse struct {
	State         int     `json:"state"`
	Power         *bool   `json:"power"`
	Keepalive     float64 `json:"keepalive"`
	Reason        string  `json:"reason"`
	StartTime     float64 `json:"start_time"`
	KeepaliveHost string  `json:"keepalivehost"`
}

type jobMachineInfoResponse struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Connections []any   `json:"connections"`
	MachineName string  `json:"machine_name"`
	Boards      [][]int `json:"boards"`
}

type jobListEntry struct {
	JobID                int            `json:"job_id"`
	Owner                string         `json:"owner"`
	StartTime            float64        `json:"start_time"`
	Keepalive            float64        `json:"keepalive"`
	State                int            `json:"state"`
	Power                *bool          `json:"power"`
	Args                 []any          `json:"args"`
	Kwargs               map[string]any `json:"kwargs"`
	AllocatedMachineName string         `json:"allocated_machine_name"`
	Boards               [][]int        `json:"boards"`
	KeepaliveHost        string         `json:"keepalivehost"`
}

type machineListEntry struct {
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	DeadBoards [][]int  `json:"dead_boards"`
	DeadLinks  [][]int  `json:"dead_links"`
}

func handleVersion(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	return version.Version, nil
}

// printableASCII rejects owner strings that could corrupt logs or the
// admin views downstream.
func printableASCII(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

func handleCreateJob(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	owner, err := protocol.KwargString(cmd.Kwargs, "owner")
	if err != nil {
		return nil, err
	}
	if !printableASCII(owner) {
		return nil, protocol.BadInputf("bad input: owner must be non-empty printable ASCII")
	}

	maxDead, err := protocol.OptionalKwargInt(cmd.Kwargs, "max_dead_boards")
	if err != nil {
		return nil, err
	}

	var descriptor alloc.Descriptor
	switch len(cmd.Args) {
	case 0:
		descriptor = alloc.NumBoards{Boards: 1, MaxDeadBoards: maxDead}
	case 1:
		n, err := protocol.ArgInt(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, protocol.BadInputf("bad input: number of boards must be positive")
		}
		descriptor = alloc.NumBoards{Boards: n, MaxDeadBoards: maxDead}
	case 2:
		w, err := protocol.ArgInt(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		h, err := protocol.ArgInt(cmd.Args, 1)
		if err != nil {
			return nil, err
		}
		if w == 0 || h == 0 {
			return nil, protocol.BadInputf("bad input: dimensions must be positive")
		}
		descriptor = alloc.Dimensions{Width: w, Height: h, MaxDeadBoards: maxDead}
	case 3:
		x, err := protocol.ArgInt(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		y, err := protocol.ArgInt(cmd.Args, 1)
		if err != nil {
			return nil, err
		}
		z, err := protocol.ArgInt(cmd.Args, 2)
		if err != nil {
			return nil, err
		}
		if z > 2 {
			return nil, protocol.BadInputf("bad input: z must be 0, 1 or 2")
		}
		descriptor = alloc.SpecificBoard{Triad: &alloc.TriadCoords{X: x, Y: y, Z: z}}
	default:
		return nil, protocol.BadInputf("unsupported number of arguments: %d", len(cmd.Args))
	}

	keepalive := s.srv.cfg.DefaultKeepalive.Duration()
	if v, ok := cmd.Kwargs["keepalive"]; ok && v != nil {
		secs, err := protocol.KwargFloat(cmd.Kwargs, "keepalive")
		if err != nil {
			return nil, err
		}
		keepalive = secondsToDuration(secs)
	}

	machineName := ""
	if v, ok := cmd.Kwargs["machine"]; ok && v != nil {
		machineName, err = protocol.KwargString(cmd.Kwargs, "machine")
		if err != nil {
			return nil, err
		}
	}
	var tags []string
	if v, ok := cmd.Kwargs["tags"]; ok && v != nil {
		tags, err = protocol.KwargStrings(cmd.Kwargs, "tags")
		if err != nil {
			return nil, err
		}
	}
	if machineName != "" && len(tags) > 0 {
		return nil, protocol.BadInputf("bad input: machine and tags are mutually exclusive")
	}

	req := alloc.CreateRequest{
		Owner:      owner,
		Descriptor: descriptor,
		Machine:    machineName,
		Tags:       tags,
		Keepalive:  keepalive,
		Original:   append([]byte(nil), s.raw...),
	}
	job, err := s.srv.allocator.CreateJob(ctx, s.srv.principal, req)
	if err != nil {
		return nil, err
	}
	return job.ID(), nil
}

// jobFromArgs resolves the conventional (id) positional argument.
func (s *session) jobFromArgs(ctx context.Context, args []any) (alloc.Job, error) {
	id, err := protocol.ArgInt(args, 0)
	if err != nil {
		return nil, err
	}
	return s.srv.allocator.Job(ctx, s.srv.principal, id)
}

func handleDestroyJob(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	job, err := s.jobFromArgs(ctx, cmd.Args)
	if err != nil {
		return nil, err
	}
	reason := ""
	if v, ok := cmd.Kwargs["reason"]; ok && v != nil {
		reason, err = protocol.KwargString(cmd.Kwargs, "reason")
		if err != nil {
			return nil, err
		}
	}
	return nil, job.Destroy(ctx, reason)
}

func handleJobKeepalive(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	job, err := s.jobFromArgs(ctx, cmd.Args)
	if err != nil {
		return nil, err
	}
	return nil, job.Access(ctx, s.remoteHost())
}

func handleGetJobState(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	job, err := s.jobFromArgs(ctx, cmd.Args)
	if err != nil {
		return nil, err
	}
	info, err := job.Info(ctx)
	if err != nil {
		return nil, err
	}
	return jobStateResponse{
		State:         info.State.V1Code(),
		Power:         powerFlag(info.Power),
		Keepalive:     info.KeepaliveInterval.Seconds(),
		Reason:        info.Reason,
		StartTime:     alloc.EpochSeconds(info.StartTime),
		KeepaliveHost: info.KeepaliveHost,
	}, nil
}

func handleGetJobMachineInfo(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	job, err := s.jobFromArgs(ctx, cmd.Args)
	if err != nil {
		return nil, err
	}
	sub, err := job.Machine(ctx)
	if err != nil {
		return nil, err
	}

	conns := sub.Connections()
	wireConns := make([]any, 0, len(conns))
	for _, c := range conns {
		wireConns = append(wireConns, []any{[]int{c.Chip.X, c.Chip.Y}, c.Hostname})
	}

	boards := sub.Boards()
	width, height := chipDimensions(sub.Width(), sub.Height(), len(boards))

	return jobMachineInfoResponse{
		Width:       width,
		Height:      height,
		Connections: wireConns,
		MachineName: sub.MachineName(),
		Boards:      triadList(boards),
	}, nil
}

// chipDimensions converts an allocation's triad extent to chip extent. A
// single board only reaches the span of its own chips.
func chipDimensions(widthTriads, heightTriads, numBoards int) (int, int) {
	if numBoards == 1 {
		return 8, 8
	}
	return widthTriads * 12, heightTriads * 12
}

func handleListJobs(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	list, err := s.srv.allocator.Jobs(ctx, false, 0, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]jobListEntry, 0, len(list.Jobs()))
	for _, info := range list.Jobs() {
		entry := jobListEntry{
			JobID:                info.ID,
			Owner:                info.Owner,
			StartTime:            alloc.EpochSeconds(info.StartTime),
			Keepalive:            info.KeepaliveInterval.Seconds(),
			State:                info.State.V1Code(),
			Power:                powerFlag(info.Power),
			Args:                 []any{},
			Kwargs:               map[string]any{},
			AllocatedMachineName: info.MachineName,
			Boards:               triadList(info.Boards),
			KeepaliveHost:        info.KeepaliveHost,
		}
		if orig, err := protocol.DecodeCommand(info.OriginalRequest); err == nil {
			entry.Args = orig.Args
			entry.Kwargs = orig.Kwargs
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func handleListMachines(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	machines, err := s.srv.allocator.Machines(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]machineListEntry, 0, len(machines))
	for _, m := range machines {
		links := m.DownLinks()
		wireLinks := make([][]int, 0, len(links))
		for _, l := range links {
			wireLinks = append(wireLinks, []int{l.Board.X, l.Board.Y, l.Board.Z, l.Link})
		}
		entries = append(entries, machineListEntry{
			Name:       m.Name(),
			Tags:       m.Tags(),
			Width:      m.Width(),
			Height:     m.Height(),
			DeadBoards: triadList(m.DeadBoards()),
			DeadLinks:  wireLinks,
		})
	}
	return entries, nil
}

func handleGetBoardPosition(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	m, triad, err := s.machineAndTriad(ctx, cmd.Kwargs)
	if err != nil {
		return nil, err
	}
	loc, err := m.BoardByLogical(ctx, triad)
	if err != nil {
		return nil, err
	}
	return []int{loc.Physical.Cabinet, loc.Physical.Frame, loc.Physical.Board}, nil
}

func handleGetBoardAtPosition(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	// The v1 protocol reuses the x/y/z kwarg names for cabinet/frame/board.
	m, triad, err := s.machineAndTriad(ctx, cmd.Kwargs)
	if err != nil {
		return nil, err
	}
	loc, err := m.BoardByPhysical(ctx, alloc.PhysicalCoords{
		Cabinet: triad.X, Frame: triad.Y, Board: triad.Z,
	})
	if err != nil {
		return nil, err
	}
	return []int{loc.Logical.X, loc.Logical.Y, loc.Logical.Z}, nil
}

func (s *session) machineAndTriad(ctx context.Context, kwargs map[string]any) (alloc.Machine, alloc.TriadCoords, error) {
	name, err := protocol.KwargString(kwargs, "machine_name")
	if err != nil {
		return nil, alloc.TriadCoords{}, err
	}
	x, err := protocol.KwargInt(kwargs, "x")
	if err != nil {
		return nil, alloc.TriadCoords{}, err
	}
	y, err := protocol.KwargInt(kwargs, "y")
	if err != nil {
		return nil, alloc.TriadCoords{}, err
	}
	z, err := protocol.KwargInt(kwargs, "z")
	if err != nil {
		return nil, alloc.TriadCoords{}, err
	}
	m, err := s.srv.allocator.Machine(ctx, name)
	if err != nil {
		return nil, alloc.TriadCoords{}, err
	}
	return m, alloc.TriadCoords{X: x, Y: y, Z: z}, nil
}

func handleWhereIs(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	kw := cmd.Kwargs

	// job_id wins when both selectors are present.
	if _, ok := kw["job_id"]; ok {
		id, err := protocol.KwargInt(kw, "job_id")
		if err != nil {
			return nil, err
		}
		chipX, err := protocol.KwargInt(kw, "chip_x")
		if err != nil {
			return nil, err
		}
		chipY, err := protocol.KwargInt(kw, "chip_y")
		if err != nil {
			return nil, err
		}
		job, err := s.srv.allocator.Job(ctx, s.srv.principal, id)
		if err != nil {
			return nil, err
		}
		loc, err := job.WhereIs(ctx, alloc.ChipCoords{X: chipX, Y: chipY})
		if err != nil {
			return nil, err
		}
		return whereIsFromLocation(loc), nil
	}

	name, ok := kw["machine"]
	if !ok || name == nil {
		return nil, protocol.BadInputf("bad input: specify a job_id or a machine")
	}
	machineName, err := protocol.KwargString(kw, "machine")
	if err != nil {
		return nil, err
	}
	m, err := s.srv.allocator.Machine(ctx, machineName)
	if err != nil {
		return nil, err
	}

	var loc *alloc.BoardLocation
	switch {
	case kw["chip_x"] != nil || kw["chip_y"] != nil:
		chipX, err := protocol.KwargInt(kw, "chip_x")
		if err != nil {
			return nil, err
		}
		chipY, err := protocol.KwargInt(kw, "chip_y")
		if err != nil {
			return nil, err
		}
		loc, err = m.BoardByChip(ctx, alloc.ChipCoords{X: chipX, Y: chipY})
		if err != nil {
			return nil, err
		}
	case kw["x"] != nil || kw["y"] != nil || kw["z"] != nil:
		x, err := protocol.KwargInt(kw, "x")
		if err != nil {
			return nil, err
		}
		y, err := protocol.KwargInt(kw, "y")
		if err != nil {
			return nil, err
		}
		z, err := protocol.KwargInt(kw, "z")
		if err != nil {
			return nil, err
		}
		loc, err = m.BoardByLogical(ctx, alloc.TriadCoords{X: x, Y: y, Z: z})
		if err != nil {
			return nil, err
		}
	case kw["cabinet"] != nil || kw["frame"] != nil || kw["board"] != nil:
		cabinet, err := protocol.KwargInt(kw, "cabinet")
		if err != nil {
			return nil, err
		}
		frame, err := protocol.KwargInt(kw, "frame")
		if err != nil {
			return nil, err
		}
		board, err := protocol.KwargInt(kw, "board")
		if err != nil {
			return nil, err
		}
		loc, err = m.BoardByPhysical(ctx, alloc.PhysicalCoords{
			Cabinet: cabinet, Frame: frame, Board: board,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, protocol.BadInputf("bad input: specify chip, logical or physical coordinates")
	}
	return whereIsFromLocation(loc), nil
}

func whereIsFromLocation(loc *alloc.BoardLocation) whereIsResponse {
	resp := whereIsResponse{
		Machine:   loc.Machine,
		Logical:   wireXYZ{X: loc.Logical.X, Y: loc.Logical.Y, Z: loc.Logical.Z},
		Physical:  wirePhysical{Cabinet: loc.Physical.Cabinet, Frame: loc.Physical.Frame, Board: loc.Physical.Board},
		Chip:      wireXY{X: loc.Chip.X, Y: loc.Chip.Y},
		BoardChip: wireXY{X: loc.BoardChip.X, Y: loc.BoardChip.Y},
		JobID:     loc.JobID,
	}
	if loc.JobChip != nil {
		resp.JobChip = &wireXY{X: loc.JobChip.X, Y: loc.JobChip.Y}
	}
	return resp
}

func handlePowerOnJobBoards(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	return nil, s.setJobPower(ctx, cmd.Args, alloc.PowerOn)
}

func handlePowerOffJobBoards(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	return nil, s.setJobPower(ctx, cmd.Args, alloc.PowerOff)
}

func (s *session) setJobPower(ctx context.Context, args []any, state alloc.PowerState) error {
	job, err := s.jobFromArgs(ctx, args)
	if err != nil {
		return err
	}
	sub, err := job.Machine(ctx)
	if err != nil {
		return err
	}
	return sub.SetPower(ctx, state)
}

func handleNotifyJob(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	key, err := optionalIntArg(cmd.Args)
	if err != nil {
		return nil, err
	}
	s.startJobNotifier(key)
	return nil, nil
}

func handleNoNotifyJob(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	key, err := optionalIntArg(cmd.Args)
	if err != nil {
		return nil, err
	}
	s.stopJobNotifier(key)
	return nil, nil
}

func handleNotifyMachine(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	key, err := optionalStringArg(cmd.Args)
	if err != nil {
		return nil, err
	}
	s.startMachineNotifier(key)
	return nil, nil
}

func handleNoNotifyMachine(ctx context.Context, s *session, cmd *protocol.Command) (any, error) {
	key, err := optionalStringArg(cmd.Args)
	if err != nil {
		return nil, err
	}
	s.stopMachineNotifier(key)
	return nil, nil
}

// optionalIntArg reads the conventional optional (id?) argument.
func optionalIntArg(args []any) (*int, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	return protocol.ParseDec(args[0])
}

func optionalStringArg(args []any) (*string, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, nil
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, protocol.BadInputf("bad input: machine name must be a string")
	}
	return &name, nil
}

// Shared shape helpers.

func powerFlag(p *alloc.PowerState) *bool {
	if p == nil {
		return nil
	}
	on := *p == alloc.PowerOn
	return &on
}

func triadList(boards []alloc.TriadCoords) [][]int {
	out := make([][]int, 0, len(boards))
	for _, b := range boards {
		out = append(out, []int{b.X, b.Y, b.Z})
	}
	return out
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
