package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
)

// boardsPerFrame is how many boards one frame of racking holds.
const boardsPerFrame = 24

// MachineDef describes a machine to register. Boards are generated for
// every triad position; DeadBoards are registered but never allocated.
type MachineDef struct {
	Name       string
	Width      int // triads
	Height     int // triads
	Tags       []string
	DeadBoards []alloc.TriadCoords
	DeadLinks  []alloc.DownLink
	// IPPrefix is the first two octets of the board BMP network,
	// e.g. "10.2". Empty disables connection info.
	IPPrefix string
}

// AddMachine registers a machine and generates its board grid. Bumps the
// machines epoch so subscribed clients hear about it.
func (a *SQLiteAllocator) AddMachine(ctx context.Context, def MachineDef) error {
	if def.Name == "" {
		return fmt.Errorf("machine name is required")
	}
	if def.Width <= 0 || def.Height <= 0 {
		return fmt.Errorf("machine %q has non-positive size", def.Name)
	}
	if def.Tags == nil {
		def.Tags = []string{"default"}
	}

	dead := make(map[alloc.TriadCoords]bool, len(def.DeadBoards))
	for _, d := range def.DeadBoards {
		dead[d] = true
	}

	tagsJSON, err := json.Marshal(def.Tags)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO machines (name, width, height, tags) VALUES (?, ?, ?, ?)",
		def.Name, def.Width, def.Height, string(tagsJSON))
	if err != nil {
		return unavailable(err)
	}
	machineID, err := res.LastInsertId()
	if err != nil {
		return unavailable(err)
	}

	boardIndex := 0
	for y := 0; y < def.Height; y++ {
		for x := 0; x < def.Width; x++ {
			for z := 0; z < boardsPerTriad; z++ {
				triad := alloc.TriadCoords{X: x, Y: y, Z: z}
				root := rootChip(triad, def.Width, def.Height)
				enabled := 1
				if dead[triad] {
					enabled = 0
				}
				ip := ""
				if def.IPPrefix != "" {
					ip = fmt.Sprintf("%s.%d.%d", def.IPPrefix,
						boardIndex/boardsPerFrame, boardIndex%boardsPerFrame)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO boards (machine_id, x, y, z, cabinet, frame,
						board_num, root_x, root_y, ip_address, enabled)
					VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
					machineID, x, y, z,
					boardIndex/boardsPerFrame, boardIndex%boardsPerFrame,
					root.X, root.Y, ip, enabled); err != nil {
					return unavailable(err)
				}
				boardIndex++
			}
		}
	}

	for _, l := range def.DeadLinks {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dead_links (machine_id, x, y, z, link) VALUES (?, ?, ?, ?, ?)",
			machineID, l.Board.X, l.Board.Y, l.Board.Z, l.Link); err != nil {
			return unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}

	a.epochs.Machines.Bump()
	a.log.Info("machine registered", "machine", def.Name,
		"width", def.Width, "height", def.Height, "boards", boardIndex)
	return nil
}
