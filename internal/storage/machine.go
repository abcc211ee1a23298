package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
)

// sqlMachine is a live handle on one machines row.
type sqlMachine struct {
	alloc *SQLiteAllocator
	row   machineRow
}

func (m *sqlMachine) Name() string   { return m.row.name }
func (m *sqlMachine) Tags() []string { return m.row.tags }
func (m *sqlMachine) Width() int     { return m.row.width }
func (m *sqlMachine) Height() int    { return m.row.height }

func (m *sqlMachine) DeadBoards() []alloc.TriadCoords {
	rows, err := m.alloc.db.Query(
		"SELECT x, y, z FROM boards WHERE machine_id = ? AND enabled = 0 ORDER BY x, y, z",
		m.row.id)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var dead []alloc.TriadCoords
	for rows.Next() {
		var t alloc.TriadCoords
		if err := rows.Scan(&t.X, &t.Y, &t.Z); err != nil {
			return dead
		}
		dead = append(dead, t)
	}
	return dead
}

func (m *sqlMachine) DownLinks() []alloc.DownLink {
	rows, err := m.alloc.db.Query(
		"SELECT x, y, z, link FROM dead_links WHERE machine_id = ? ORDER BY x, y, z, link",
		m.row.id)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var links []alloc.DownLink
	for rows.Next() {
		var l alloc.DownLink
		if err := rows.Scan(&l.Board.X, &l.Board.Y, &l.Board.Z, &l.Link); err != nil {
			return links
		}
		links = append(links, l)
	}
	return links
}

func (m *sqlMachine) BoardByChip(ctx context.Context, chip alloc.ChipCoords) (*alloc.BoardLocation, error) {
	return m.alloc.locateChip(ctx, m.row, chip)
}

func (m *sqlMachine) BoardByLogical(ctx context.Context, triad alloc.TriadCoords) (*alloc.BoardLocation, error) {
	b, err := m.alloc.boardByTriad(ctx, m.row.id, triad)
	if err != nil {
		return nil, err
	}
	return m.alloc.boardLocation(ctx, m.row, b,
		alloc.ChipCoords{X: b.rootX, Y: b.rootY}, alloc.ChipCoords{})
}

func (m *sqlMachine) BoardByPhysical(ctx context.Context, phys alloc.PhysicalCoords) (*alloc.BoardLocation, error) {
	b, err := m.alloc.boardByQuery(ctx,
		"SELECT id, x, y, z, cabinet, frame, board_num, root_x, root_y, ip_address, job_id FROM boards WHERE machine_id = ? AND cabinet = ? AND frame = ? AND board_num = ?",
		m.row.id, phys.Cabinet, phys.Frame, phys.Board)
	if err != nil {
		return nil, err
	}
	return m.alloc.boardLocation(ctx, m.row, b,
		alloc.ChipCoords{X: b.rootX, Y: b.rootY}, alloc.ChipCoords{})
}

func (m *sqlMachine) BoardByIPAddress(ctx context.Context, ip string) (*alloc.BoardLocation, error) {
	b, err := m.alloc.boardByQuery(ctx,
		"SELECT id, x, y, z, cabinet, frame, board_num, root_x, root_y, ip_address, job_id FROM boards WHERE machine_id = ? AND ip_address = ?",
		m.row.id, ip)
	if err != nil {
		return nil, err
	}
	return m.alloc.boardLocation(ctx, m.row, b,
		alloc.ChipCoords{X: b.rootX, Y: b.rootY}, alloc.ChipCoords{})
}

// boardRow is one boards table row.
type boardRow struct {
	id           int
	triad        alloc.TriadCoords
	phys         alloc.PhysicalCoords
	rootX, rootY int
	ip           string
	jobID        sql.NullInt64
}

func (a *SQLiteAllocator) boardByTriad(ctx context.Context, machineID int, triad alloc.TriadCoords) (*boardRow, error) {
	return a.boardByQuery(ctx,
		"SELECT id, x, y, z, cabinet, frame, board_num, root_x, root_y, ip_address, job_id FROM boards WHERE machine_id = ? AND x = ? AND y = ? AND z = ?",
		machineID, triad.X, triad.Y, triad.Z)
}

func (a *SQLiteAllocator) boardByQuery(ctx context.Context, query string, args ...any) (*boardRow, error) {
	var b boardRow
	err := a.db.QueryRowContext(ctx, query, args...).Scan(
		&b.id, &b.triad.X, &b.triad.Y, &b.triad.Z,
		&b.phys.Cabinet, &b.phys.Frame, &b.phys.Board,
		&b.rootX, &b.rootY, &b.ip, &b.jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alloc.ErrNoSuchBoard
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &b, nil
}

// locateChip resolves a machine-global chip to its board location.
func (a *SQLiteAllocator) locateChip(ctx context.Context, m machineRow, chip alloc.ChipCoords) (*alloc.BoardLocation, error) {
	triad, boardChip, ok := boardForChip(chip, m.width, m.height)
	if !ok {
		return nil, alloc.ErrNoSuchBoard
	}
	b, err := a.boardByTriad(ctx, m.id, triad)
	if err != nil {
		return nil, err
	}
	return a.boardLocation(ctx, m, b, chip, boardChip)
}

// boardLocation assembles the full BoardLocation for one board, filling
// in job ownership when the board is allocated.
func (a *SQLiteAllocator) boardLocation(ctx context.Context, m machineRow, b *boardRow, chip, boardChip alloc.ChipCoords) (*alloc.BoardLocation, error) {
	loc := &alloc.BoardLocation{
		Machine:   m.name,
		Logical:   b.triad,
		Physical:  b.phys,
		Chip:      chip,
		BoardChip: boardChip,
	}
	if !b.jobID.Valid {
		return loc, nil
	}

	jobID := int(b.jobID.Int64)
	var rootX, rootY sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		"SELECT root_x, root_y FROM jobs WHERE id = ?", jobID).Scan(&rootX, &rootY)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable(err)
	}
	loc.JobID = &jobID
	if rootX.Valid && rootY.Valid {
		chipW := m.width * triadChipSize
		chipH := m.height * triadChipSize
		loc.JobChip = &alloc.ChipCoords{
			X: ((chip.X - int(rootX.Int64)) + chipW) % chipW,
			Y: ((chip.Y - int(rootY.Int64)) + chipH) % chipH,
		}
	}
	return loc, nil
}
