package tierheap

// TouchCallback is invoked from the consumer goroutine whenever its type is
// touched while classified hot.
type TouchCallback func(arg any)

// eventKind tags the records flowing through the observation ring.
type eventKind uint8

const (
	evCreateAdd eventKind = iota
	evDestroyRemove
	evRealloc
	evTouch
	evSetTouchCB
	evTouchAll
)

// event is the fixed-size record copied by value through the ring. Field use
// depends on the kind:
//
//	evCreateAdd:     hash, addr, size
//	evDestroyRemove: addr, size
//	evRealloc:       addr (old), newAddr, size (old), newSize
//	evTouch:         addr, timestamp
//	evSetTouchCB:    addr, cb, cbArg
//	evTouchAll:      timestamp, hotness
type event struct {
	kind eventKind

	hash      uint64
	addr      uint64
	newAddr   uint64
	size      uint64
	newSize   uint64
	timestamp uint64
	hotness   float64

	cb    TouchCallback
	cbArg any
}
