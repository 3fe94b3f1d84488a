package firehose

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
)

// rateWindow is how many one-second samples the ingest rate log averages
// over.
const rateWindow = 20

// Subscriber consumes the relay firehose over a websocket and pushes
// decoded events onto the queue. It holds no database connection; the
// writer loop owns persistence.
type Subscriber struct {
	RelayHost string
	Queue     *Queue

	received atomic.Int64
}

// Run dials the relay and consumes frames until the context is canceled
// or the connection fails. Any transport or decode-loop failure is
// returned so the process can exit and be restarted with a clean stream.
func (s *Subscriber) Run(ctx context.Context) error {
	url := strings.TrimSuffix(s.RelayHost, "/") + "/xrpc/com.atproto.sync.subscribeRepos"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("firehose: dial %s: %w", url, err)
	}
	defer conn.Close()
	log.Printf("firehose: connected to %s", url)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go s.logRate(ctx)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("firehose: read frame: %w", err)
		}
		if err := s.handleFrame(msg); err != nil {
			// A malformed frame is logged and skipped; the stream
			// itself is still healthy.
			log.Printf("firehose: skipping frame: %v", err)
		}
	}
}

// logRate reports the ingest rate every second, averaged over a sliding
// window of the last rateWindow one-second samples.
func (s *Subscriber) logRate(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var samples []int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples = pushSample(samples, s.received.Swap(0))
			log.Printf("firehose: ingesting %.1f events/s", meanRate(samples))
		}
	}
}

// pushSample appends the newest one-second count, evicting the oldest
// sample once the window is full.
func pushSample(samples []int64, n int64) []int64 {
	samples = append(samples, n)
	if len(samples) > rateWindow {
		samples = samples[1:]
	}
	return samples
}

// meanRate averages the sample window. Zero for an empty window.
func meanRate(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total int64
	for _, n := range samples {
		total += n
	}
	return float64(total) / float64(len(samples))
}

// handleFrame decodes one wire frame: CBOR(EventHeader) followed by the
// CBOR message body. Non-commit messages and error frames are ignored.
func (s *Subscriber) handleFrame(msg []byte) error {
	r := bytes.NewReader(msg)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if header.Op != events.EvtKindMessage || header.MsgType != "#commit" {
		return nil
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode commit: %w", err)
	}
	return s.handleCommit(&commit)
}

// handleCommit turns a commit's ops into queued events. Ops whose
// records are missing from the block payload, fail to decode, or carry
// an unexpected $type are dropped individually.
func (s *Subscriber) handleCommit(commit *atproto.SyncSubscribeRepos_Commit) error {
	if len(commit.Blocks) == 0 {
		return nil
	}

	blockMap, err := readBlocks(commit.Blocks)
	if err != nil {
		return fmt.Errorf("read blocks for %s: %w", commit.Repo, err)
	}

	for _, op := range commit.Ops {
		collection, _, ok := strings.Cut(op.Path, "/")
		if !ok {
			continue
		}
		kind, ok := kindByNSID[collection]
		if !ok {
			continue
		}
		uri := "at://" + commit.Repo + "/" + op.Path

		switch op.Action {
		case "create":
			if op.Cid == nil {
				continue
			}
			recordCID := cid.Cid(*op.Cid)
			blk, ok := blockMap[recordCID]
			if !ok {
				continue
			}
			evt := &Event{
				Kind:   kind,
				Action: ActionCreate,
				URI:    uri,
				CID:    recordCID.String(),
				Author: commit.Repo,
			}
			if !decodeRecord(evt, kind, blk.RawData()) {
				continue
			}
			s.Queue.Push(evt)
			s.received.Add(1)

		case "delete":
			s.Queue.Push(&Event{
				Kind:   kind,
				Action: ActionDelete,
				URI:    uri,
				Author: commit.Repo,
			})
			s.received.Add(1)
		}
	}
	return nil
}

// readBlocks parses a commit's CAR payload into a block map keyed by CID.
func readBlocks(data []byte) (map[cid.Cid]blocks.Block, error) {
	cr, err := car.NewCarReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open car: %w", err)
	}
	blockMap := make(map[cid.Cid]blocks.Block)
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read car block: %w", err)
		}
		blockMap[blk.Cid()] = blk
	}
	return blockMap, nil
}

// decodeRecord unmarshals the typed record for a create event and checks
// that its $type matches the collection it was written under. Returns
// false if the record should be dropped.
func decodeRecord(evt *Event, kind RecordKind, data []byte) bool {
	switch kind {
	case KindPost:
		var rec bsky.FeedPost
		if rec.UnmarshalCBOR(bytes.NewReader(data)) != nil || rec.LexiconTypeID != NSIDPost {
			return false
		}
		evt.Post = &rec
	case KindRepost:
		var rec bsky.FeedRepost
		if rec.UnmarshalCBOR(bytes.NewReader(data)) != nil || rec.LexiconTypeID != NSIDRepost {
			return false
		}
		evt.Repost = &rec
	case KindFollow:
		var rec bsky.GraphFollow
		if rec.UnmarshalCBOR(bytes.NewReader(data)) != nil || rec.LexiconTypeID != NSIDFollow {
			return false
		}
		evt.Follow = &rec
	case KindLike:
		var rec bsky.FeedLike
		if rec.UnmarshalCBOR(bytes.NewReader(data)) != nil || rec.LexiconTypeID != NSIDLike {
			return false
		}
	}
	return true
}
