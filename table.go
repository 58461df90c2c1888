package lsmkv

// CellIterator walks cells in ascending cell order.
//
// Next advances to the next cell and reports whether one is available.
// Once Next returns false, Err reports whether iteration stopped because
// of a failure rather than exhaustion.
type CellIterator interface {
	Next() bool
	Cell() Cell
	Err() error
	Close() error
}

// Table is a sorted source of cells. The write buffer implements every
// method; on-disk tables reject mutation with ErrReadOnlyTable.
type Table interface {
	// Iterator returns cells with key >= from. Each call is independent.
	Iterator(from []byte) (CellIterator, error)
	Upsert(key, payload []byte) error
	Remove(key []byte) error
	SizeInBytes() (int64, error)
	Count() int
	Close() error
}

var (
	_ Table = (*Memtable)(nil)
	_ Table = (*SSTable)(nil)
)

// sliceIterator iterates over a fixed slice of cells.
type sliceIterator struct {
	cells []Cell
	pos   int
}

func newSliceIterator(cells []Cell) *sliceIterator {
	return &sliceIterator{cells: cells, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.cells) {
		it.pos = len(it.cells)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Cell() Cell {
	if it.pos < 0 || it.pos >= len(it.cells) {
		return Cell{}
	}
	return it.cells[it.pos]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }
