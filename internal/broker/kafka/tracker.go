package kafka

import (
	"sort"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type partitionKey struct {
	topic     string
	partition int32
}

type partitionOffsets struct {
	// polled records not yet covered by a commit, ascending offset
	inflight []*kgo.Record
	// tracked offsets; true once handled
	done   map[int64]bool
	paused bool
}

// offsetTracker turns out-of-order completions into commits of the highest
// contiguous completed offset per partition, so a commit never skips a
// record still being handled. A partition holding maxPending uncommitted
// records is paused until half of them are committed.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
	maxPending int
}

func newOffsetTracker(maxPending int) *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionOffsets), maxPending: maxPending}
}

// track registers polled records and returns the partitions to pause.
// Offsets already tracked are not added twice.
func (t *offsetTracker) track(records []*kgo.Record) map[string][]int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[partitionKey]*partitionOffsets)
	for _, r := range records {
		key := partitionKey{r.Topic, r.Partition}
		p, ok := t.partitions[key]
		if !ok {
			p = &partitionOffsets{done: make(map[int64]bool)}
			t.partitions[key] = p
		}
		if _, dup := p.done[r.Offset]; dup {
			continue
		}
		p.done[r.Offset] = false
		p.inflight = append(p.inflight, r)
		touched[key] = p
	}

	var pause map[string][]int32
	for key, p := range touched {
		sort.Slice(p.inflight, func(i, j int) bool { return p.inflight[i].Offset < p.inflight[j].Offset })
		if t.maxPending > 0 && !p.paused && len(p.inflight) >= t.maxPending {
			p.paused = true
			pause = addPartition(pause, key)
		}
	}
	return pause
}

// complete marks an offset handled. It returns the record to commit, or nil
// when the contiguous prefix did not advance, and whether the partition
// can be resumed. Offsets not tracked are ignored.
func (t *offsetTracker) complete(topic string, partition int32, offset int64) (*kgo.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partitionKey{topic, partition}]
	if !ok {
		return nil, false
	}
	if _, tracked := p.done[offset]; !tracked {
		return nil, false
	}
	p.done[offset] = true

	var last *kgo.Record
	for len(p.inflight) > 0 && p.done[p.inflight[0].Offset] {
		last = p.inflight[0]
		delete(p.done, last.Offset)
		p.inflight = p.inflight[1:]
	}
	return last, t.resumable(p)
}

// rewind forgets offset and everything tracked after it on its partition,
// so they can be tracked again when redelivered. It reports whether offset
// was tracked, and whether the partition can be resumed.
func (t *offsetTracker) rewind(topic string, partition int32, offset int64) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partitionKey{topic, partition}]
	if !ok {
		return false, false
	}
	if _, tracked := p.done[offset]; !tracked {
		// an earlier offset was rewound already
		return false, false
	}

	keep := sort.Search(len(p.inflight), func(i int) bool { return p.inflight[i].Offset >= offset })
	for _, r := range p.inflight[keep:] {
		delete(p.done, r.Offset)
	}
	p.inflight = p.inflight[:keep]
	return true, t.resumable(p)
}

func (t *offsetTracker) resumable(p *partitionOffsets) bool {
	if !p.paused || len(p.inflight) > t.maxPending/2 {
		return false
	}
	p.paused = false
	return true
}

// forget drops partitions this client no longer owns.
func (t *offsetTracker) forget(revoked map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic, partitions := range revoked {
		for _, p := range partitions {
			delete(t.partitions, partitionKey{topic, p})
		}
	}
}

func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.inflight)
	}
	return n
}

func addPartition(m map[string][]int32, key partitionKey) map[string][]int32 {
	if m == nil {
		m = make(map[string][]int32)
	}
	m[key.topic] = append(m[key.topic], key.partition)
	return m
}
