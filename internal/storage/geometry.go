package storage

import "github.com/spinnaker-tools/spalloc-server/internal/alloc"

// Triad geometry. A triad is a 12x12 patch of chips shared by three
// boards whose root chips sit at fixed offsets within the patch.
const (
	triadChipSize  = 12
	boardChipSpan  = 8 // chips a single board extends from its root
	boardsPerTriad = 3
)

var triadRootOffsets = [boardsPerTriad]alloc.ChipCoords{
	{X: 0, Y: 0},
	{X: 8, Y: 4},
	{X: 4, Y: 8},
}

// rootChip returns the machine-global root chip of a board, wrapped onto
// the machine's chip torus.
func rootChip(triad alloc.TriadCoords, widthTriads, heightTriads int) alloc.ChipCoords {
	off := triadRootOffsets[triad.Z]
	return alloc.ChipCoords{
		X: (triad.X*triadChipSize + off.X) % (widthTriads * triadChipSize),
		Y: (triad.Y*triadChipSize + off.Y) % (heightTriads * triadChipSize),
	}
}

// boardForChip maps a machine-global chip onto the logical board holding
// it. Within a triad the three 8x8 windows are probed in z order; the
// first hit wins.
func boardForChip(chip alloc.ChipCoords, widthTriads, heightTriads int) (alloc.TriadCoords, alloc.ChipCoords, bool) {
	w := widthTriads * triadChipSize
	h := heightTriads * triadChipSize
	if chip.X < 0 || chip.Y < 0 || chip.X >= w || chip.Y >= h {
		return alloc.TriadCoords{}, alloc.ChipCoords{}, false
	}

	tx := chip.X / triadChipSize
	ty := chip.Y / triadChipSize
	rx := chip.X % triadChipSize
	ry := chip.Y % triadChipSize

	// A window may reach into the next triad over, so probe the home
	// triad and its negative neighbours.
	for _, delta := range []struct{ dx, dy int }{{0, 0}, {-1, 0}, {0, -1}, {-1, -1}} {
		bx := (tx + delta.dx + widthTriads) % widthTriads
		by := (ty + delta.dy + heightTriads) % heightTriads
		ox := rx - delta.dx*triadChipSize
		oy := ry - delta.dy*triadChipSize
		for z := 0; z < boardsPerTriad; z++ {
			off := triadRootOffsets[z]
			dx := ox - off.X
			dy := oy - off.Y
			if dx >= 0 && dx < boardChipSpan && dy >= 0 && dy < boardChipSpan {
				return alloc.TriadCoords{X: bx, Y: by, Z: z},
					alloc.ChipCoords{X: dx, Y: dy}, true
			}
		}
	}
	return alloc.TriadCoords{}, alloc.ChipCoords{}, false
}

// triadsForBoards returns how many whole triads cover n boards.
func triadsForBoards(n int) int {
	return (n + boardsPerTriad - 1) / boardsPerTriad
}
