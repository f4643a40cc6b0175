// Package segclient is a Go client for the segment-delivery NATS responder.
//
// Players and edge processes that already hold a NATS connection can fetch
// segments without going through the HTTP API:
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := segclient.New(segclient.Config{NC: nc})
//
//	seg, err := client.Fetch(ctx, "movie-42", "seg_007.ts")
//	switch {
//	case errors.Is(err, segclient.ErrNotFound):
//		// no such segment
//	case errors.Is(err, segclient.ErrUnavailable):
//		// the owning shard is down; other segments still work
//	}
//
// # Subjects
//
//	segd.fetch   headers Video-Id, Segment, Fingerprint; reply Status header
//	segd.stats   reply body is the service statistics as JSON
//
// The prefix defaults to "segd" and can be changed with [Config.SubjectPrefix].
//
// Requests carry a viewer fingerprint so the service can follow playback and
// warm upcoming segments. [Config.Fingerprint] sets one per client; without
// it every request is anonymous and no session is tracked.
package segclient
