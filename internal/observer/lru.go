package observer

import "container/list"

// dedupeSet is a fixed-capacity set of recently seen message ids, used
// to drop duplicate DISPATCH events arriving on both the user and bot
// gateway sessions. Bounded with container/list + map rather than an
// imported LRU library: no dependency in the pack exercises an LRU
// shape for application code, so a small hand-rolled one matches the
// corpus's preference for short, purpose-built data structures.
type dedupeSet struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupeSet(capacity int) *dedupeSet {
	return &dedupeSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// seen records id and reports whether it had already been recorded.
func (d *dedupeSet) seen(id string) bool {
	if elem, ok := d.index[id]; ok {
		d.order.MoveToFront(elem)
		return true
	}
	elem := d.order.PushFront(id)
	d.index[id] = elem
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}
	return false
}
