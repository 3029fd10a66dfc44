package arena

// arena is a free list that provides quick access to pre-allocated byte
// slices, greatly reducing memory churn and effectively disabling GC for these
// allocations. After the arena is created, a slice of bytes can be requested by
// calling Pop(). The caller is responsible for calling Push(), which puts the
// blocks back in the queue for later usage. The bytes given by Pop() are *not*
// zeroed, so the caller should only read positions that it knows to have been
// overwitten. That can be done by shortening the slice at the right place,
// based on the count of bytes returned by Write() and similar functions.
//
// Neither call blocks: an empty arena allocates a fresh block and a full one
// lets the returned block go to the GC. A slow consumer holding blocks can
// therefore never stall the socket reader.
type Arena struct {
	blocks    chan []byte
	blockSize int
}

func NewArena(blockSize int, numBlocks int) *Arena {
	a := &Arena{blocks: make(chan []byte, numBlocks), blockSize: blockSize}
	for i := 0; i < numBlocks; i++ {
		a.blocks <- make([]byte, blockSize)
	}
	return a
}

func (a *Arena) Pop() (x []byte) {
	select {
	case x = <-a.blocks:
		return x
	default:
		return make([]byte, a.blockSize)
	}
}

// Push returns x to the arena. Blocks of the wrong size are ignored.
func (a *Arena) Push(x []byte) {
	if cap(x) != a.blockSize {
		return
	}
	x = x[:cap(x)]
	select {
	case a.blocks <- x:
	default:
	}
}

// Free is the number of blocks ready to be popped.
func (a *Arena) Free() int {
	return len(a.blocks)
}
