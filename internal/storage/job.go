package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
)

// sqlJob is a live handle on one jobs row.
type sqlJob struct {
	alloc *SQLiteAllocator
	id    int
}

func (j *sqlJob) ID() int { return j.id }

func (j *sqlJob) Info(ctx context.Context) (*alloc.JobInfo, error) {
	return j.alloc.jobInfo(ctx, j.id)
}

func (j *sqlJob) Access(ctx context.Context, remoteHost string) error {
	res, err := j.alloc.db.ExecContext(ctx, `
		UPDATE jobs SET keepalive_time = ?, keepalive_host = ?
		WHERE id = ? AND state != 'destroyed'`,
		time.Now().UTC(), remoteHost, j.id)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return alloc.ErrNoSuchJob
	}
	return nil
}

func (j *sqlJob) Destroy(ctx context.Context, reason string) error {
	j.alloc.mu.Lock()
	defer j.alloc.mu.Unlock()
	return j.alloc.destroyLocked(ctx, j.id, reason)
}

func (j *sqlJob) OriginalRequest(ctx context.Context) ([]byte, error) {
	var original []byte
	err := j.alloc.db.QueryRowContext(ctx,
		"SELECT original FROM jobs WHERE id = ?", j.id).Scan(&original)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alloc.ErrNoSuchJob
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return original, nil
}

func (j *sqlJob) Machine(ctx context.Context) (alloc.SubMachine, error) {
	info, err := j.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info.MachineName == "" || info.Width == nil {
		return nil, alloc.ErrBoardsNotAllocated
	}
	m, err := j.alloc.machineByName(ctx, info.MachineName)
	if err != nil {
		return nil, err
	}
	return &sqlSubMachine{alloc: j.alloc, jobID: j.id, machine: *m, info: info}, nil
}

func (j *sqlJob) WhereIs(ctx context.Context, chip alloc.ChipCoords) (*alloc.BoardLocation, error) {
	info, err := j.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info.MachineName == "" || info.RootChip == nil {
		return nil, alloc.ErrBoardsNotAllocated
	}
	m, err := j.alloc.machineByName(ctx, info.MachineName)
	if err != nil {
		return nil, err
	}

	chipW := m.width * triadChipSize
	chipH := m.height * triadChipSize
	global := alloc.ChipCoords{
		X: (info.RootChip.X + chip.X) % chipW,
		Y: (info.RootChip.Y + chip.Y) % chipH,
	}
	loc, err := j.alloc.locateChip(ctx, *m, global)
	if err != nil {
		return nil, err
	}
	if loc.JobID == nil || *loc.JobID != j.id {
		return nil, alloc.ErrNoSuchBoard
	}
	return loc, nil
}

// sqlSubMachine is the slice of one machine allocated to one job.
type sqlSubMachine struct {
	alloc   *SQLiteAllocator
	jobID   int
	machine machineRow
	info    *alloc.JobInfo
}

func (s *sqlSubMachine) MachineName() string { return s.machine.name }

func (s *sqlSubMachine) Width() int {
	if s.info.Width != nil {
		return *s.info.Width
	}
	return 0
}

func (s *sqlSubMachine) Height() int {
	if s.info.Height != nil {
		return *s.info.Height
	}
	return 0
}

func (s *sqlSubMachine) Boards() []alloc.TriadCoords {
	return s.info.Boards
}

func (s *sqlSubMachine) Connections() []alloc.Connection {
	ctx := context.Background()
	rows, err := s.alloc.db.QueryContext(ctx, `
		SELECT root_x, root_y, ip_address FROM boards
		WHERE job_id = ? ORDER BY x, y, z`, s.jobID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	chipW := s.machine.width * triadChipSize
	chipH := s.machine.height * triadChipSize
	root := s.info.RootChip

	var conns []alloc.Connection
	for rows.Next() {
		var (
			rx, ry int
			ip     string
		)
		if err := rows.Scan(&rx, &ry, &ip); err != nil {
			return conns
		}
		if ip == "" {
			continue
		}
		chip := alloc.ChipCoords{X: rx, Y: ry}
		if root != nil {
			chip = alloc.ChipCoords{
				X: ((rx - root.X) + chipW) % chipW,
				Y: ((ry - root.Y) + chipH) % chipH,
			}
		}
		conns = append(conns, alloc.Connection{Chip: chip, Hostname: ip})
	}
	return conns
}

func (s *sqlSubMachine) Power(ctx context.Context) (alloc.PowerState, error) {
	var power sql.NullString
	err := s.alloc.db.QueryRowContext(ctx,
		"SELECT power FROM jobs WHERE id = ?", s.jobID).Scan(&power)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.PowerOff, alloc.ErrNoSuchJob
	}
	if err != nil {
		return alloc.PowerOff, unavailable(err)
	}
	if !power.Valid {
		return alloc.PowerOff, alloc.ErrBoardsNotAllocated
	}
	return alloc.PowerState(power.String), nil
}

// SetPower drives the whole allocation. Blocking: it holds the allocator
// write lock while the (simulated) BMP write settles. The job passes
// through the POWER state and returns to READY once the write lands,
// with an epoch bump on each edge.
func (s *sqlSubMachine) SetPower(ctx context.Context, state alloc.PowerState) error {
	a := s.alloc
	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.db.ExecContext(ctx, `
		UPDATE jobs SET state = ? WHERE id = ? AND state = ? AND power IS NOT NULL`,
		string(alloc.StatePower), s.jobID, string(alloc.StateReady))
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return alloc.ErrBoardsNotAllocated
	}
	a.epochs.Jobs.Bump()

	// Simulated BMP write; pollers see the job in POWER until it lands.
	time.Sleep(a.powerSettle)

	if _, err := a.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, power = ? WHERE id = ?`,
		string(alloc.StateReady), string(state), s.jobID); err != nil {
		return unavailable(err)
	}
	a.epochs.Jobs.Bump()
	return nil
}
