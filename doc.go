// Package driftdb is an offline-first document database with
// checkpointed bidirectional replication.
//
// Documents are schemaless JSON-like bodies versioned by a revision
// tree. Writes always land locally; a background sync session exchanges
// revisions with a remote store over HTTP, in both directions, resuming
// from persisted checkpoints. Concurrent edits of the same document are
// kept as branches and resolved by a deterministic winner rule, so every
// replica converges to the same winning revision without coordination
// and no edit is silently lost.
//
// A minimal client:
//
//	db, err := driftdb.Open("app.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	rev, err := db.Write(ctx, "report-17", store.Body{"severity": 8})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	err = db.StartSync(ctx, driftdb.SyncConfig{
//		Remote: "https://hub.example.com",
//		Live:   true,
//		Retry:  true,
//	})
//
// The server side is the same store behind remote.NewHandler; see
// cmd/driftd for a ready-made server and sync CLI.
package driftdb
