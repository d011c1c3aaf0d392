// Package buffer provides buffer pool management for database pages.
// It implements a page cache that keeps frequently accessed pages in memory.
package buffer

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relly-db/relly/disk"
)

var (
	// ErrNoFreeBuffer is returned when no free buffer is available in the buffer pool.
	ErrNoFreeBuffer = errors.New("no free buffer available in buffer pool")
)

// BufferID identifies a buffer slot in the buffer pool.
type BufferID uint

// Page represents a fixed-size page (4096 bytes).
type Page = [disk.PageSize]byte

// Buffer represents a cached page in memory.
// It contains the page data and metadata about its state.
type Buffer struct {
	PageID  disk.PageID
	Page    *Page
	IsDirty bool
	pageLSN uint64
	mu      sync.Mutex
}

func NewBuffer() *Buffer {
	return &Buffer{
		PageID:  disk.InvalidPageID,
		Page:    &Page{},
		IsDirty: false,
	}
}

// PageLSN returns the LSN of the most recent log record whose effect is
// reflected in this buffer's in-memory page image.
func (b *Buffer) PageLSN() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageLSN
}

// SetPageLSN records the LSN of the most recent update applied to this
// page. Callers must hold a pin on the buffer.
func (b *Buffer) SetPageLSN(lsn uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageLSN = lsn
}

// Frame wraps a Buffer with usage tracking for the buffer pool replacement algorithm.
type Frame struct {
	UsageCount uint64  // Number of times this buffer has been accessed
	Buffer     *Buffer // The actual buffer
	mu         sync.RWMutex
}

// BufferPool manages a fixed-size pool of page buffers.
// It implements a clock replacement algorithm to evict pages when the pool is full.
type BufferPool struct {
	buffers      []*Frame
	nextVictimID BufferID // Next buffer to consider for eviction (clock hand)
	mu           sync.Mutex
}

func NewBufferPool(poolSize int) *BufferPool {
	buffers := make([]*Frame, poolSize)
	for i := range buffers {
		buffers[i] = &Frame{
			Buffer: NewBuffer(),
		}
	}
	return &BufferPool{
		buffers:      buffers,
		nextVictimID: 0,
	}
}

func (bp *BufferPool) Size() int {
	return len(bp.buffers)
}

func (bp *BufferPool) Evict() (BufferID, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	poolSize := bp.Size()
	consecutivePinned := 0

	for {
		nextVictimID := bp.nextVictimID
		frame := bp.buffers[nextVictimID]
		frame.mu.Lock()

		if frame.UsageCount == 0 {
			frame.mu.Unlock()
			return nextVictimID, true
		}

		// Check if buffer is still referenced elsewhere
		// In Go, we can't easily check reference count, so we use a simpler approach
		// If usage count is high, we decrement it
		if frame.UsageCount > 0 {
			frame.UsageCount--
			consecutivePinned = 0
		} else {
			consecutivePinned++
			if consecutivePinned >= poolSize {
				frame.mu.Unlock()
				return 0, false
			}
		}
		frame.mu.Unlock()

		bp.nextVictimID = BufferID((uint(nextVictimID) + 1) % uint(poolSize))
	}
}

// BufferPoolManager coordinates between disk I/O and the buffer pool.
// It maintains a page table mapping page IDs to buffer slots and handles
// page fetching, creation, and eviction.
type BufferPoolManager struct {
	disk      *disk.DiskManager
	pool      *BufferPool
	pageTable map[disk.PageID]BufferID // Maps page IDs to buffer slots
	mu        sync.RWMutex

	// FlushHook is invoked with a dirty page's pageLSN before the page is
	// written to disk. It is the write-ahead-logging enforcement point: a
	// recovery manager wires this to flush its log up to pageLSN first.
	FlushHook func(pageLSN uint64) error

	// DiskIOHook is invoked after a page is read from disk into a buffer.
	DiskIOHook func(pageID disk.PageID)
}

func NewBufferPoolManager(dm *disk.DiskManager, pool *BufferPool) *BufferPoolManager {
	return &BufferPoolManager{
		disk:      dm,
		pool:      pool,
		pageTable: map[disk.PageID]BufferID{},
	}
}

func (bpm *BufferPoolManager) flushBuffer(pageID disk.PageID, buf *Buffer) error {
	if !buf.IsDirty {
		return nil
	}
	if bpm.FlushHook != nil {
		if err := bpm.FlushHook(buf.pageLSN); err != nil {
			return err
		}
	}
	if err := bpm.disk.WritePageData(pageID, buf.Page[:]); err != nil {
		return err
	}
	buf.IsDirty = false
	return nil
}

func (bpm *BufferPoolManager) FetchPage(pageID disk.PageID) (*Buffer, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bufferID, ok := bpm.pageTable[pageID]; ok {
		frame := bpm.pool.buffers[bufferID]
		frame.mu.Lock()
		frame.UsageCount++
		frame.mu.Unlock()
		return frame.Buffer, nil
	}

	bufferID, ok := bpm.pool.Evict()
	if !ok {
		return nil, ErrNoFreeBuffer
	}

	frame := bpm.pool.buffers[bufferID]
	frame.mu.Lock()
	defer frame.mu.Unlock()

	evictPageID := frame.Buffer.PageID
	if err := bpm.flushBuffer(evictPageID, frame.Buffer); err != nil {
		return nil, err
	}

	frame.Buffer.PageID = pageID
	frame.Buffer.IsDirty = false
	frame.Buffer.pageLSN = 0
	if err := bpm.disk.ReadPageData(pageID, frame.Buffer.Page[:]); err != nil {
		if err != io.EOF {
			return nil, err
		}
		// If EOF, page doesn't exist yet, initialize with zeros
		*frame.Buffer.Page = Page{}
	}
	if bpm.DiskIOHook != nil {
		bpm.DiskIOHook(pageID)
	}

	delete(bpm.pageTable, evictPageID)
	bpm.pageTable[pageID] = bufferID
	return frame.Buffer, nil
}

// Unpin decrements the pin/usage count on a fetched page, optionally marking
// it dirty. The teacher's original clock eviction never decremented
// UsageCount on release, which meant pages accumulated usage forever and
// the clock hand degenerated into a full scan; recovery's WAL discipline
// depends on accurate pin accounting, so this fixes that.
func (bpm *BufferPoolManager) Unpin(pageID disk.PageID, dirty bool) error {
	bpm.mu.RLock()
	bufferID, ok := bpm.pageTable[pageID]
	bpm.mu.RUnlock()
	if !ok {
		return nil
	}

	frame := bpm.pool.buffers[bufferID]
	frame.mu.Lock()
	defer frame.mu.Unlock()
	if dirty {
		frame.Buffer.IsDirty = true
	}
	if frame.UsageCount > 0 {
		frame.UsageCount--
	}
	return nil
}

// IterPages invokes fn for every page currently resident in the pool,
// reporting whether each is dirty.
func (bpm *BufferPoolManager) IterPages(fn func(pageID disk.PageID, dirty bool)) {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()
	for pageID, bufferID := range bpm.pageTable {
		frame := bpm.pool.buffers[bufferID]
		frame.mu.RLock()
		fn(pageID, frame.Buffer.IsDirty)
		frame.mu.RUnlock()
	}
}

func (bpm *BufferPoolManager) CreatePage() (*Buffer, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	bufferID, ok := bpm.pool.Evict()
	if !ok {
		return nil, ErrNoFreeBuffer
	}

	frame := bpm.pool.buffers[bufferID]
	frame.mu.Lock()
	defer frame.mu.Unlock()

	evictPageID := frame.Buffer.PageID
	if err := bpm.flushBuffer(evictPageID, frame.Buffer); err != nil {
		return nil, err
	}

	pageID := bpm.disk.AllocatePage()
	*frame.Buffer = *NewBuffer()
	frame.Buffer.PageID = pageID
	frame.UsageCount = 1

	delete(bpm.pageTable, evictPageID)
	bpm.pageTable[pageID] = bufferID

	return frame.Buffer, nil
}

func (bpm *BufferPoolManager) Flush() error {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()

	for pageID, bufferID := range bpm.pageTable {
		frame := bpm.pool.buffers[bufferID]
		frame.mu.Lock()
		err := bpm.flushBuffer(pageID, frame.Buffer)
		frame.mu.Unlock()
		if err != nil {
			return err
		}
	}

	return bpm.disk.Sync()
}

// FlushAll flushes every dirty page concurrently, bounded by the pool size.
// Used by checkpointing, where forward transactions may still be dirtying
// other pages while the checkpoint runs.
func (bpm *BufferPoolManager) FlushAll(ctx context.Context) error {
	bpm.mu.RLock()
	pageIDs := make([]disk.PageID, 0, len(bpm.pageTable))
	bufferIDs := make([]BufferID, 0, len(bpm.pageTable))
	for pageID, bufferID := range bpm.pageTable {
		pageIDs = append(pageIDs, pageID)
		bufferIDs = append(bufferIDs, bufferID)
	}
	bpm.mu.RUnlock()

	sem := semaphore.NewWeighted(int64(bpm.pool.Size()))
	g, gctx := errgroup.WithContext(ctx)
	for i := range pageIDs {
		pageID := pageIDs[i]
		frame := bpm.pool.buffers[bufferIDs[i]]
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			frame.mu.Lock()
			defer frame.mu.Unlock()
			return bpm.flushBuffer(pageID, frame.Buffer)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return bpm.disk.Sync()
}
