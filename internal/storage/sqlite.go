// Package storage is the reference allocator: a modernc.org/sqlite-backed
// implementation of the alloc contract. It owns the jobs and machines
// tables, performs first-fit board allocation, tracks power, and bumps
// the domain epochs whenever anything observable changes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/auth"
	"github.com/spinnaker-tools/spalloc-server/internal/epoch"
)

// powerSettleDelay stands in for the time a BMP takes to drive boards to
// a new power state. Jobs sit in the POWER state while it runs.
const powerSettleDelay = 10 * time.Millisecond

// SQLiteAllocator implements alloc.Allocator on a sqlite database.
type SQLiteAllocator struct {
	db     *sql.DB
	tokens *auth.Service // nil = capability checks disabled (tests)
	epochs *epoch.Tracker
	log    *slog.Logger

	// powerSettle is how long simulated power writes take.
	powerSettle time.Duration

	// mu serialises every allocation-affecting write; blocking façade
	// operations hold it for their whole duration.
	mu sync.Mutex

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewSQLite opens (and migrates) the allocator database.
// Use ":memory:" for an in-memory database.
func NewSQLite(dsn string, epochs *epoch.Tracker, tokens *auth.Service, log *slog.Logger) (*SQLiteAllocator, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer keeps the allocation transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	a := &SQLiteAllocator{db: db, epochs: epochs, tokens: tokens, log: log,
		powerSettle: powerSettleDelay}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *SQLiteAllocator) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS boards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			cabinet INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			board_num INTEGER NOT NULL,
			root_x INTEGER NOT NULL,
			root_y INTEGER NOT NULL,
			ip_address TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			job_id INTEGER,
			FOREIGN KEY (machine_id) REFERENCES machines(id),
			UNIQUE (machine_id, x, y, z)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_links (
			machine_id INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			link INTEGER NOT NULL,
			FOREIGN KEY (machine_id) REFERENCES machines(id)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued',
			power TEXT,
			reason TEXT NOT NULL DEFAULT '',
			machine_id INTEGER,
			width INTEGER,
			height INTEGER,
			root_x INTEGER,
			root_y INTEGER,
			descriptor TEXT NOT NULL,
			machine_hint TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			keepalive_ns INTEGER NOT NULL,
			keepalive_time DATETIME NOT NULL,
			keepalive_host TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			original BLOB,
			FOREIGN KEY (machine_id) REFERENCES machines(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_boards_machine ON boards(machine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_boards_job ON boards(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	}

	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Close stops the reaper and closes the database.
func (a *SQLiteAllocator) Close() error {
	if a.reaperCancel != nil {
		a.reaperCancel()
		<-a.reaperDone
	}
	return a.db.Close()
}

func (a *SQLiteAllocator) verify(p alloc.Principal) error {
	if a.tokens == nil {
		return nil
	}
	principal, err := a.tokens.Verify(p.Token)
	if err != nil {
		a.log.Warn("capability rejected", "principal", p.Name, "token", auth.Fingerprint(p.Token))
		return alloc.ErrDenied
	}
	if principal != p.Name {
		return alloc.ErrDenied
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", alloc.ErrUnavailable, err)
}

// descriptorRecord is the persisted form of an alloc.Descriptor, kept so
// queued jobs can be retried after other jobs release boards.
type descriptorRecord struct {
	Kind     string                `json:"kind"`
	Boards   int                   `json:"boards,omitempty"`
	Width    int                   `json:"width,omitempty"`
	Height   int                   `json:"height,omitempty"`
	MaxDead  *int                  `json:"max_dead,omitempty"`
	Triad    *alloc.TriadCoords    `json:"triad,omitempty"`
	Physical *alloc.PhysicalCoords `json:"physical,omitempty"`
	IP       string                `json:"ip,omitempty"`
}

func encodeDescriptor(d alloc.Descriptor) (string, error) {
	var rec descriptorRecord
	switch v := d.(type) {
	case alloc.NumBoards:
		rec = descriptorRecord{Kind: "boards", Boards: v.Boards, MaxDead: v.MaxDeadBoards}
	case alloc.Dimensions:
		rec = descriptorRecord{Kind: "dimensions", Width: v.Width, Height: v.Height, MaxDead: v.MaxDeadBoards}
	case alloc.SpecificBoard:
		rec = descriptorRecord{Kind: "board", Triad: v.Triad, Physical: v.Physical, IP: v.IPAddress}
	default:
		return "", fmt.Errorf("unknown descriptor %T", d)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeDescriptor(s string) (*descriptorRecord, error) {
	var rec descriptorRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateJob inserts a job and immediately attempts allocation. Blocking.
func (a *SQLiteAllocator) CreateJob(ctx context.Context, p alloc.Principal, req alloc.CreateRequest) (alloc.Job, error) {
	if err := a.verify(p); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, errors.New("owner is required")
	}
	if req.Machine != "" && len(req.Tags) > 0 {
		return nil, errors.New("specify machine or tags, not both")
	}
	tags := req.Tags
	if req.Machine == "" && len(tags) == 0 {
		tags = []string{"default"}
	}
	if req.Keepalive <= 0 {
		return nil, errors.New("keepalive must be positive")
	}

	descriptor, err := encodeDescriptor(req.Descriptor)
	if err != nil {
		return nil, err
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO jobs (owner, state, descriptor, machine_hint, tags,
			keepalive_ns, keepalive_time, keepalive_host, start_time, original)
		VALUES (?, 'queued', ?, ?, ?, ?, ?, '', ?, ?)`,
		req.Owner, descriptor, req.Machine, string(tagsJSON),
		req.Keepalive.Nanoseconds(), now, now, req.Original)
	if err != nil {
		return nil, unavailable(err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable(err)
	}
	id := int(id64)

	if err := a.tryAllocateLocked(ctx, id); err != nil {
		a.log.Warn("allocation attempt failed", "job_id", id, "error", err)
	}
	a.epochs.Jobs.Bump()

	a.log.Info("job created", "job_id", id, "owner", req.Owner)
	return &sqlJob{alloc: a, id: id}, nil
}

// Job looks up a live job handle.
func (a *SQLiteAllocator) Job(ctx context.Context, p alloc.Principal, id int) (alloc.Job, error) {
	if err := a.verify(p); err != nil {
		return nil, err
	}
	var exists int
	err := a.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alloc.ErrNoSuchJob
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &sqlJob{alloc: a, id: id}, nil
}

// JobIDs lists non-destroyed jobs in creation order.
func (a *SQLiteAllocator) JobIDs(ctx context.Context) ([]int, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT id FROM jobs WHERE state != 'destroyed' ORDER BY id")
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Jobs snapshots jobs in creation order, capturing the jobs epoch so the
// snapshot can be long-polled.
func (a *SQLiteAllocator) Jobs(ctx context.Context, includeDestroyed bool, limit, offset int) (alloc.JobList, error) {
	token := a.epochs.Jobs.Current()

	query := "SELECT id FROM jobs"
	if !includeDestroyed {
		query += " WHERE state != 'destroyed'"
	}
	query += " ORDER BY id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	list := &jobList{epochs: a.epochs, token: token}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		list.ids = append(list.ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}

	for _, id := range list.ids {
		info, err := a.jobInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		list.infos = append(list.infos, info)
	}
	return list, nil
}

// jobList implements alloc.JobList over a captured epoch token.
type jobList struct {
	ids    []int
	infos  []*alloc.JobInfo
	epochs *epoch.Tracker
	token  uint64
}

func (l *jobList) IDs() []int             { return l.ids }
func (l *jobList) Jobs() []*alloc.JobInfo { return l.infos }

func (l *jobList) WaitForChange(ctx context.Context, timeout time.Duration) bool {
	return l.epochs.Jobs.WaitForChange(ctx, l.token, timeout)
}

// jobInfo loads the full snapshot for one job.
func (a *SQLiteAllocator) jobInfo(ctx context.Context, id int) (*alloc.JobInfo, error) {
	var (
		info          alloc.JobInfo
		power         sql.NullString
		machineID     sql.NullInt64
		width, height sql.NullInt64
		rootX, rootY  sql.NullInt64
		keepaliveNS   int64
		state         string
	)
	err := a.db.QueryRowContext(ctx, `
		SELECT id, owner, state, power, reason, machine_id, width, height,
			root_x, root_y, keepalive_ns, keepalive_time, keepalive_host,
			start_time, original
		FROM jobs WHERE id = ?`, id).Scan(
		&info.ID, &info.Owner, &state, &power, &info.Reason, &machineID,
		&width, &height, &rootX, &rootY, &keepaliveNS, &info.KeepaliveTime,
		&info.KeepaliveHost, &info.StartTime, &info.OriginalRequest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alloc.ErrNoSuchJob
	}
	if err != nil {
		return nil, unavailable(err)
	}

	info.State = alloc.State(state)
	info.KeepaliveInterval = time.Duration(keepaliveNS)
	if power.Valid {
		ps := alloc.PowerState(power.String)
		info.Power = &ps
	}
	if width.Valid {
		w := int(width.Int64)
		info.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		info.Height = &h
	}
	if rootX.Valid && rootY.Valid {
		info.RootChip = &alloc.ChipCoords{X: int(rootX.Int64), Y: int(rootY.Int64)}
	}
	if machineID.Valid {
		if err := a.db.QueryRowContext(ctx,
			"SELECT name FROM machines WHERE id = ?", machineID.Int64).
			Scan(&info.MachineName); err != nil {
			return nil, unavailable(err)
		}
		boards, err := a.jobBoards(ctx, id)
		if err != nil {
			return nil, err
		}
		info.Boards = boards
	}
	return &info, nil
}

func (a *SQLiteAllocator) jobBoards(ctx context.Context, id int) ([]alloc.TriadCoords, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT x, y, z FROM boards WHERE job_id = ? ORDER BY x, y, z", id)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var boards []alloc.TriadCoords
	for rows.Next() {
		var t alloc.TriadCoords
		if err := rows.Scan(&t.X, &t.Y, &t.Z); err != nil {
			return nil, unavailable(err)
		}
		boards = append(boards, t)
	}
	return boards, rows.Err()
}

// tryAllocateLocked attempts to satisfy one queued job. Caller holds mu.
func (a *SQLiteAllocator) tryAllocateLocked(ctx context.Context, jobID int) error {
	var (
		descriptor  string
		machineHint string
		tagsJSON    string
		state       string
	)
	err := a.db.QueryRowContext(ctx,
		"SELECT descriptor, machine_hint, tags, state FROM jobs WHERE id = ?",
		jobID).Scan(&descriptor, &machineHint, &tagsJSON, &state)
	if err != nil {
		return unavailable(err)
	}
	if state != string(alloc.StateQueued) {
		return nil
	}

	rec, err := decodeDescriptor(descriptor)
	if err != nil {
		return err
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return err
	}

	machines, err := a.candidateMachines(ctx, machineHint, tags)
	if err != nil {
		return err
	}

	for _, m := range machines {
		boards, w, h, origin, ok, err := a.findFit(ctx, m, rec)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		return a.commitAllocation(ctx, jobID, m, boards, w, h, origin)
	}
	return nil // stays queued
}

// machineRow is one machines table row.
type machineRow struct {
	id     int
	name   string
	width  int
	height int
	tags   []string
}

func (a *SQLiteAllocator) candidateMachines(ctx context.Context, hint string, tags []string) ([]machineRow, error) {
	query := "SELECT id, name, width, height, tags FROM machines"
	args := []any{}
	if hint != "" {
		query += " WHERE name = ?"
		args = append(args, hint)
	}
	query += " ORDER BY name"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []machineRow
	for rows.Next() {
		var (
			m        machineRow
			tagsJSON string
		)
		if err := rows.Scan(&m.id, &m.name, &m.width, &m.height, &tagsJSON); err != nil {
			return nil, unavailable(err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &m.tags); err != nil {
			return nil, err
		}
		if hint == "" && !hasAllTags(m.tags, tags) {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// freeBoard is one allocatable board.
type freeBoard struct {
	id    int
	triad alloc.TriadCoords
}

// findFit picks boards on one machine for a descriptor. Returns the board
// row IDs, the allocation size in triads and its origin triad.
func (a *SQLiteAllocator) findFit(ctx context.Context, m machineRow, rec *descriptorRecord) ([]int, int, int, alloc.TriadCoords, bool, error) {
	none := alloc.TriadCoords{}
	switch rec.Kind {
	case "board":
		id, triad, err := a.findSpecificBoard(ctx, m, rec)
		if err != nil || id == 0 {
			return nil, 0, 0, none, false, err
		}
		return []int{id}, 1, 1, triad, true, nil

	case "boards":
		if rec.Boards <= 0 {
			return nil, 0, 0, none, false, fmt.Errorf("board count must be positive")
		}
		free, err := a.freeBoards(ctx, m.id)
		if err != nil {
			return nil, 0, 0, none, false, err
		}
		if len(free) < rec.Boards {
			return nil, 0, 0, none, false, nil
		}
		picked := free[:rec.Boards]
		minT, maxT := picked[0].triad, picked[0].triad
		ids := make([]int, 0, len(picked))
		for _, b := range picked {
			ids = append(ids, b.id)
			if b.triad.X < minT.X {
				minT.X = b.triad.X
			}
			if b.triad.Y < minT.Y {
				minT.Y = b.triad.Y
			}
			if b.triad.X > maxT.X {
				maxT.X = b.triad.X
			}
			if b.triad.Y > maxT.Y {
				maxT.Y = b.triad.Y
			}
		}
		origin := alloc.TriadCoords{X: minT.X, Y: minT.Y}
		return ids, maxT.X - minT.X + 1, maxT.Y - minT.Y + 1, origin, true, nil

	case "dimensions":
		if rec.Width <= 0 || rec.Height <= 0 {
			return nil, 0, 0, none, false, fmt.Errorf("dimensions must be positive")
		}
		maxDead := 0
		if rec.MaxDead != nil {
			maxDead = *rec.MaxDead
		}
		if rec.Width > m.width || rec.Height > m.height {
			return nil, 0, 0, none, false, nil
		}
		free, err := a.freeBoards(ctx, m.id)
		if err != nil {
			return nil, 0, 0, none, false, err
		}
		freeAt := make(map[alloc.TriadCoords]int, len(free))
		for _, b := range free {
			freeAt[b.triad] = b.id
		}
		for oy := 0; oy <= m.height-rec.Height; oy++ {
			for ox := 0; ox <= m.width-rec.Width; ox++ {
				ids, missing := collectRect(freeAt, ox, oy, rec.Width, rec.Height)
				if len(ids) > 0 && missing <= maxDead {
					return ids, rec.Width, rec.Height,
						alloc.TriadCoords{X: ox, Y: oy}, true, nil
				}
			}
		}
		return nil, 0, 0, none, false, nil

	default:
		return nil, 0, 0, none, false, fmt.Errorf("unknown descriptor kind %q", rec.Kind)
	}
}

func collectRect(freeAt map[alloc.TriadCoords]int, ox, oy, w, h int) ([]int, int) {
	var ids []int
	missing := 0
	for y := oy; y < oy+h; y++ {
		for x := ox; x < ox+w; x++ {
			for z := 0; z < boardsPerTriad; z++ {
				if id, ok := freeAt[alloc.TriadCoords{X: x, Y: y, Z: z}]; ok {
					ids = append(ids, id)
				} else {
					missing++
				}
			}
		}
	}
	return ids, missing
}

func (a *SQLiteAllocator) freeBoards(ctx context.Context, machineID int) ([]freeBoard, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, x, y, z FROM boards
		WHERE machine_id = ? AND enabled = 1 AND job_id IS NULL
		ORDER BY x, y, z`, machineID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []freeBoard
	for rows.Next() {
		var b freeBoard
		if err := rows.Scan(&b.id, &b.triad.X, &b.triad.Y, &b.triad.Z); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (a *SQLiteAllocator) findSpecificBoard(ctx context.Context, m machineRow, rec *descriptorRecord) (int, alloc.TriadCoords, error) {
	var (
		query string
		args  []any
	)
	switch {
	case rec.Triad != nil:
		query = "SELECT id, x, y, z FROM boards WHERE machine_id = ? AND x = ? AND y = ? AND z = ? AND enabled = 1 AND job_id IS NULL"
		args = []any{m.id, rec.Triad.X, rec.Triad.Y, rec.Triad.Z}
	case rec.Physical != nil:
		query = "SELECT id, x, y, z FROM boards WHERE machine_id = ? AND cabinet = ? AND frame = ? AND board_num = ? AND enabled = 1 AND job_id IS NULL"
		args = []any{m.id, rec.Physical.Cabinet, rec.Physical.Frame, rec.Physical.Board}
	case rec.IP != "":
		query = "SELECT id, x, y, z FROM boards WHERE machine_id = ? AND ip_address = ? AND enabled = 1 AND job_id IS NULL"
		args = []any{m.id, rec.IP}
	default:
		return 0, alloc.TriadCoords{}, errors.New("specific board descriptor names nothing")
	}

	var (
		id    int
		triad alloc.TriadCoords
	)
	err := a.db.QueryRowContext(ctx, query, args...).Scan(&id, &triad.X, &triad.Y, &triad.Z)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, alloc.TriadCoords{}, nil
	}
	if err != nil {
		return 0, alloc.TriadCoords{}, unavailable(err)
	}
	return id, triad, nil
}

func (a *SQLiteAllocator) commitAllocation(ctx context.Context, jobID int, m machineRow, boardIDs []int, w, h int, origin alloc.TriadCoords) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	for _, id := range boardIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE boards SET job_id = ? WHERE id = ?", jobID, id); err != nil {
			return unavailable(err)
		}
	}

	root := rootChip(origin, m.width, m.height)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, power = ?, machine_id = ?, width = ?,
			height = ?, root_x = ?, root_y = ?
		WHERE id = ?`,
		string(alloc.StatePower), string(alloc.PowerOn), m.id, w, h,
		root.X, root.Y, jobID); err != nil {
		return unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	a.epochs.Jobs.Bump()

	// Simulated BMP write; pollers see the job in POWER until it lands.
	time.Sleep(a.powerSettle)

	if _, err := a.db.ExecContext(ctx,
		"UPDATE jobs SET state = ? WHERE id = ?",
		string(alloc.StateReady), jobID); err != nil {
		return unavailable(err)
	}
	a.epochs.Jobs.Bump()

	a.log.Info("job allocated", "job_id", jobID, "machine", m.name,
		"boards", len(boardIDs), "width", w, "height", h)
	return nil
}

// destroyLocked tears one job down and retries the queue. Caller holds mu.
func (a *SQLiteAllocator) destroyLocked(ctx context.Context, jobID int, reason string) error {
	var state string
	err := a.db.QueryRowContext(ctx,
		"SELECT state FROM jobs WHERE id = ?", jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.ErrNoSuchJob
	}
	if err != nil {
		return unavailable(err)
	}
	if state == string(alloc.StateDestroyed) {
		return nil // idempotent
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE boards SET job_id = NULL WHERE job_id = ?", jobID); err != nil {
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, power = NULL, reason = ? WHERE id = ?`,
		string(alloc.StateDestroyed), reason, jobID); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}

	a.log.Info("job destroyed", "job_id", jobID, "reason", reason)

	// Freed boards may satisfy queued jobs.
	rows, err := a.db.QueryContext(ctx,
		"SELECT id FROM jobs WHERE state = 'queued' ORDER BY id")
	if err != nil {
		return unavailable(err)
	}
	var queued []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return unavailable(err)
		}
		queued = append(queued, id)
	}
	rows.Close()
	for _, id := range queued {
		if err := a.tryAllocateLocked(ctx, id); err != nil {
			a.log.Warn("queued job retry failed", "job_id", id, "error", err)
		}
	}

	a.epochs.Jobs.Bump()
	return nil
}

// Machine looks up one machine by name.
func (a *SQLiteAllocator) Machine(ctx context.Context, name string) (alloc.Machine, error) {
	m, err := a.machineByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &sqlMachine{alloc: a, row: *m}, nil
}

// Machines lists all machines ordered by name.
func (a *SQLiteAllocator) Machines(ctx context.Context) ([]alloc.Machine, error) {
	rows, err := a.candidateMachines(ctx, "", nil)
	if err != nil {
		return nil, err
	}
	out := make([]alloc.Machine, 0, len(rows))
	for _, m := range rows {
		out = append(out, &sqlMachine{alloc: a, row: m})
	}
	return out, nil
}

// MachineNames lists machine names in order.
func (a *SQLiteAllocator) MachineNames(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT name FROM machines ORDER BY name")
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, unavailable(err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (a *SQLiteAllocator) machineByName(ctx context.Context, name string) (*machineRow, error) {
	var (
		m        machineRow
		tagsJSON string
	)
	err := a.db.QueryRowContext(ctx,
		"SELECT id, name, width, height, tags FROM machines WHERE name = ?",
		name).Scan(&m.id, &m.name, &m.width, &m.height, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alloc.ErrNoSuchMachine
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.tags); err != nil {
		return nil, err
	}
	return &m, nil
}
