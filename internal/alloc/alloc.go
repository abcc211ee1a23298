// Package alloc defines the contract the compatibility layer consumes from
// the board allocator: job lifecycle, machine inspection, power control and
// board location lookups. The reference implementation lives in
// internal/storage; the protocol engine only ever sees these interfaces.
package alloc

import (
	"context"
	"time"
)

// Principal identifies the caller to the allocator. The compatibility
// service acts as a single service user on behalf of all its clients.
type Principal struct {
	Name  string // service user name
	Token string // capability token presented on every call
}

// State is a job's lifecycle state.
type State string

const (
	StateUnknown   State = "unknown"
	StateQueued    State = "queued"
	StatePower     State = "power"
	StateReady     State = "ready"
	StateDestroyed State = "destroyed"
)

// V1Code returns the integer state code the v1 protocol uses.
func (s State) V1Code() int {
	switch s {
	case StateQueued:
		return 1
	case StatePower:
		return 2
	case StateReady:
		return 3
	case StateDestroyed:
		return 4
	default:
		return 0
	}
}

// StateFromV1Code maps a v1 integer state code back to a State.
func StateFromV1Code(code int) State {
	switch code {
	case 1:
		return StateQueued
	case 2:
		return StatePower
	case 3:
		return StateReady
	case 4:
		return StateDestroyed
	default:
		return StateUnknown
	}
}

// PowerState is the power of an allocated sub-machine.
type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// ChipCoords addresses a chip on a machine or board.
type ChipCoords struct {
	X int
	Y int
}

// TriadCoords addresses a board logically. Z selects within the triad.
type TriadCoords struct {
	X int
	Y int
	Z int
}

// PhysicalCoords addresses a board by its position in the racking.
type PhysicalCoords struct {
	Cabinet int
	Frame   int
	Board   int
}

// DownLink is a dead inter-board link.
type DownLink struct {
	Board TriadCoords
	Link  int
}

// Connection maps a chip to the hostname used to reach its board.
type Connection struct {
	Chip     ChipCoords
	Hostname string
}

// BoardLocation describes one board from every angle at once.
type BoardLocation struct {
	Machine  string
	Logical  TriadCoords
	Physical PhysicalCoords
	Chip     ChipCoords // machine-global chip
	// BoardChip is the chip relative to the board's root chip.
	BoardChip ChipCoords
	// JobID and JobChip are set when the board is allocated to a job and
	// the lookup was made through that job.
	JobID   *int
	JobChip *ChipCoords
}

// Descriptor is the tagged what-to-allocate variant of a create request.
type Descriptor interface {
	isDescriptor()
}

// NumBoards asks for a count of boards.
type NumBoards struct {
	Boards        int
	MaxDeadBoards *int
}

// Dimensions asks for a rectangle of triads.
type Dimensions struct {
	Width         int
	Height        int
	MaxDeadBoards *int
}

// SpecificBoard asks for one particular board, named one of three ways.
type SpecificBoard struct {
	Triad     *TriadCoords
	Physical  *PhysicalCoords
	IPAddress string
}

func (NumBoards) isDescriptor()     {}
func (Dimensions) isDescriptor()    {}
func (SpecificBoard) isDescriptor() {}

// CreateRequest carries everything createJob needs. Machine and Tags are
// mutually exclusive; the allocator enforces this.
type CreateRequest struct {
	Owner      string
	Descriptor Descriptor
	Machine    string
	Tags       []string
	Keepalive  time.Duration
	// Original is the raw request line as received, kept so the original
	// request can be replayed or inspected later.
	Original []byte
}

// JobInfo is a point-in-time snapshot of one job.
type JobInfo struct {
	ID                int
	Owner             string
	State             State
	Power             *PowerState // nil until boards are allocated, and again once destroyed
	Reason            string      // destruction reason
	StartTime         time.Time
	KeepaliveTime     time.Time
	KeepaliveHost     string
	KeepaliveInterval time.Duration
	Width             *int // triad width of the allocation
	Height            *int
	RootChip          *ChipCoords
	MachineName       string        // empty until allocated
	Boards            []TriadCoords // allocated boards
	OriginalRequest   []byte
}

// Job is a live handle on one allocator job.
type Job interface {
	// ID is the job's positive integer identifier.
	ID() int

	// Info returns a fresh snapshot.
	Info(ctx context.Context) (*JobInfo, error)

	// Machine returns the allocated sub-machine, or a not-found error
	// reading "boards not allocated" before allocation happens.
	Machine(ctx context.Context) (SubMachine, error)

	// WhereIs locates the board under the given job-relative chip.
	WhereIs(ctx context.Context, chip ChipCoords) (*BoardLocation, error)

	// Access records a keepalive from the given remote host.
	Access(ctx context.Context, remoteHost string) error

	// Destroy ends the job, recording why.
	Destroy(ctx context.Context, reason string) error

	// OriginalRequest returns the bytes the job was created from.
	OriginalRequest(ctx context.Context) ([]byte, error)
}

// SubMachine is the slice of a machine allocated to one job.
type SubMachine interface {
	MachineName() string
	Width() int
	Height() int
	Boards() []TriadCoords
	Connections() []Connection

	// Power reads the collective power state of the allocation.
	Power(ctx context.Context) (PowerState, error)

	// SetPower drives all boards to the given state. Blocking: the
	// allocator may hold a write lock while the hardware settles.
	SetPower(ctx context.Context, state PowerState) error
}

// Machine is a named collection of boards.
type Machine interface {
	Name() string
	Tags() []string
	Width() int
	Height() int
	DeadBoards() []TriadCoords
	DownLinks() []DownLink

	BoardByChip(ctx context.Context, chip ChipCoords) (*BoardLocation, error)
	BoardByLogical(ctx context.Context, triad TriadCoords) (*BoardLocation, error)
	BoardByPhysical(ctx context.Context, phys PhysicalCoords) (*BoardLocation, error)
	BoardByIPAddress(ctx context.Context, ip string) (*BoardLocation, error)
}

// JobList is a snapshot of jobs that can be long-polled for changes; the
// wait piggybacks on the jobs epoch captured when the snapshot was taken.
type JobList interface {
	IDs() []int
	Jobs() []*JobInfo
	WaitForChange(ctx context.Context, timeout time.Duration) bool
}

// Allocator is the façade the session layer drives. Implementations may
// fail any call with ErrUnavailable (transient), a not-found error, or
// ErrDenied (capability rejected).
type Allocator interface {
	// CreateJob makes a new job. Blocking. Fails with ErrQuotaExceeded
	// when the principal's quota is spent.
	CreateJob(ctx context.Context, p Principal, req CreateRequest) (Job, error)

	// Job looks up a job by ID, destroyed jobs included.
	Job(ctx context.Context, p Principal, id int) (Job, error)

	// Jobs snapshots jobs in creation order.
	Jobs(ctx context.Context, includeDestroyed bool, limit, offset int) (JobList, error)

	// JobIDs lists non-destroyed job IDs in creation order.
	JobIDs(ctx context.Context) ([]int, error)

	// Machine looks up one machine by name.
	Machine(ctx context.Context, name string) (Machine, error)

	// Machines lists all machines ordered by name.
	Machines(ctx context.Context) ([]Machine, error)

	// MachineNames lists machine names in order.
	MachineNames(ctx context.Context) ([]string, error)
}

// EpochSeconds renders an instant as the float seconds-since-epoch the v1
// protocol uses, nanoseconds folded in.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// TimeFromEpochSeconds reverses EpochSeconds, rounding the fraction to the
// nearest nanosecond. A float64 holds an instant near the present only to
// a few hundred nanoseconds, so the round trip is exact only to that
// resolution.
func TimeFromEpochSeconds(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*1e9+0.5))
}
