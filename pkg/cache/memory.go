package cache

import (
	"container/list"
	"sync"

	"github.com/mitrofmep/imgload/imgload"
)

// memoryTier keeps decoded images in memory with LRU eviction by estimated
// size.
type memoryTier struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	entries map[string]*list.Element
	order   *list.List // front is the most recently used
}

type memoryEntry struct {
	key  string
	img  *imgload.Image
	data []byte
	size int64
}

func newMemoryTier(maxSize int64) *memoryTier {
	return &memoryTier{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (m *memoryTier) get(key string) (*imgload.Image, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, nil, false
	}
	m.order.MoveToFront(elem)

	entry := elem.Value.(*memoryEntry)
	return entry.img, entry.data, true
}

func (m *memoryTier) set(key string, img *imgload.Image, data []byte) {
	entry := &memoryEntry{
		key:  key,
		img:  img,
		data: data,
		size: entrySize(img, data),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.size -= elem.Value.(*memoryEntry).size
		m.order.Remove(elem)
	}
	m.entries[key] = m.order.PushFront(entry)
	m.size += entry.size

	for m.size > m.maxSize && m.order.Len() > 1 {
		oldest := m.order.Back()
		m.order.Remove(oldest)

		old := oldest.Value.(*memoryEntry)
		delete(m.entries, old.key)
		m.size -= old.size
	}
}

func (m *memoryTier) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.size -= elem.Value.(*memoryEntry).size
		m.order.Remove(elem)
		delete(m.entries, key)
	}
}

// entrySize estimates the memory footprint of an entry: raw bytes plus 4
// bytes per pixel of the decoded image.
func entrySize(img *imgload.Image, data []byte) int64 {
	size := int64(len(data))
	if img != nil && img.Pixels != nil {
		bounds := img.Pixels.Bounds()
		size += int64(bounds.Dx()) * int64(bounds.Dy()) * 4 * int64(img.FrameCount)
	}
	if size == 0 {
		size = 1
	}
	return size
}
