// Package firehose consumes the relay event stream and flushes decoded
// records into the database on a fixed cadence.
package firehose

import (
	"sync"

	"github.com/bluesky-social/indigo/api/bsky"
)

// Record collections consumed from the stream.
const (
	NSIDPost   = "app.bsky.feed.post"
	NSIDLike   = "app.bsky.feed.like"
	NSIDFollow = "app.bsky.graph.follow"
	NSIDRepost = "app.bsky.feed.repost"
)

// RecordKind identifies which collection an event belongs to.
type RecordKind int

const (
	KindPost RecordKind = iota
	KindLike
	KindFollow
	KindRepost
)

// kindByNSID maps the collections we consume to their kind. Collections
// absent from this table are ignored entirely.
var kindByNSID = map[string]RecordKind{
	NSIDPost:   KindPost,
	NSIDLike:   KindLike,
	NSIDFollow: KindFollow,
	NSIDRepost: KindRepost,
}

// Action is the repo operation that produced an event. Updates are not
// consumed; records here are effectively immutable.
type Action int

const (
	ActionCreate Action = iota
	ActionDelete
)

// Event is one decoded repo operation handed from the subscriber to the
// writer loop. Exactly one of the typed record fields is set for
// creates, matching Kind; deletes carry only the URI and author.
type Event struct {
	Kind   RecordKind
	Action Action
	URI    string
	CID    string
	Author string

	Post   *bsky.FeedPost
	Repost *bsky.FeedRepost
	Follow *bsky.GraphFollow
}

// Queue is an unbounded FIFO buffer between the subscriber and the
// writer loop. The subscriber never blocks on it.
type Queue struct {
	mu     sync.Mutex
	events []*Event
}

// Push appends an event to the tail of the queue.
func (q *Queue) Push(evt *Event) {
	q.mu.Lock()
	q.events = append(q.events, evt)
	q.mu.Unlock()
}

// Drain removes and returns all queued events in arrival order.
func (q *Queue) Drain() []*Event {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	return events
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
